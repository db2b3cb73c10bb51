package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/converge/internal/artifact"
	"github.com/nidhogg/converge/internal/queue"
	"github.com/nidhogg/converge/internal/task"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	queue   *queue.Queue
	runs    *artifact.Writer
	metrics http.Handler
	logger  *zap.Logger
}

// NewHandler creates a new API handler. runs and metrics may be nil; the
// matching routes then answer 404.
func NewHandler(q *queue.Queue, runs *artifact.Writer, metrics http.Handler, logger *zap.Logger) *Handler {
	return &Handler{queue: q, runs: runs, metrics: metrics, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/tasks", h.listTasks)
		r.Post("/tasks", h.submitTask)
		r.Get("/tasks/lookup", h.lookupTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Get("/tasks/{id}/questions", h.getQuestions)
		r.Post("/tasks/{id}/resolve", h.resolveTask)
		r.Post("/tasks/{id}/cancel", h.cancelTask)
		r.Post("/tasks/{id}/followup", h.followupTask)
		r.Get("/tasks/{id}/run", h.getRun)

		// Run bundle files
		r.Get("/runs/{id}/files", h.listRunFiles)
		r.Get("/runs/{id}/files/*", h.getRunFile)

		r.Get("/projects", h.listProjects)
		r.Post("/projects", h.createProject)
		r.Get("/projects/default", h.defaultProject)
		r.Get("/projects/{id}", h.getProject)
		r.Patch("/projects/{id}", h.updateProject)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "converge"})
}

type taskPage struct {
	Items    []*task.Task `json:"items"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	Offset   int          `json:"offset"`
	HasNext  bool         `json:"has_next"`
	HasPrev  bool         `json:"has_prev"`
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "page must be a positive integer"})
		return
	}
	pageSize, err := intParam(q.Get("page_size"), 20)
	if err != nil || pageSize < 1 || pageSize > queue.MaxPageSize {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "page_size must be between 1 and " + strconv.Itoa(queue.MaxPageSize)})
		return
	}

	filter := queue.ListFilter{
		ProjectID: strings.TrimSpace(q.Get("project_id")),
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
	}
	if s := q.Get("status"); s != "" {
		st, err := task.ParseStatus(s)
		if err != nil {
			h.writeError(w, err)
			return
		}
		filter.Status = st
	}

	items, total, err := h.queue.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if items == nil {
		items = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, taskPage{
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Offset:   filter.Offset,
		HasNext:  filter.Offset+len(items) < total,
		HasPrev:  page > 1,
	})
}

type submitRequest struct {
	task.Request
	Source         string `json:"source,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type submitResponse struct {
	Task    *task.Task `json:"task"`
	Deduped bool       `json:"deduped"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req, err := h.queue.Normalize(r.Context(), body.Request)
	if err != nil {
		h.writeError(w, err)
		return
	}

	t, deduped, err := h.queue.EnqueueWithDedupe(r.Context(), req, body.Source, body.IdempotencyKey)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if deduped {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{Task: t, Deduped: deduped})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// lookupTask finds the task a (source, idempotency_key) submission created.
func (h *Handler) lookupTask(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t, err := h.queue.FindBySourceIdempotency(r.Context(), q.Get("source"), q.Get("idempotency_key"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) getQuestions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	questions, err := h.queue.HITLQuestions(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if questions == nil {
		questions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "questions": questions})
}

func (h *Handler) resolveTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var resolution map[string]any
	if err := json.NewDecoder(r.Body).Decode(&resolution); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "resolution must be a JSON object"})
		return
	}
	if err := h.queue.ResolveHITL(r.Context(), id, resolution); err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("hitl resolved", zap.String("task", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "task " + id + " requeued"})
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queue.Cancel(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "task " + id + " cancelled"})
}

type followupRequest struct {
	Instruction        string `json:"instruction"`
	ExecuteImmediately bool   `json:"execute_immediately"`
}

func (h *Handler) followupTask(w http.ResponseWriter, r *http.Request) {
	var body followupRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	t, err := h.queue.Followup(r.Context(), chi.URLParam(r, "id"), body.Instruction, body.ExecuteImmediately)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{Task: t})
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run artifacts not available"})
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.queue.Get(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	st, err := h.runs.ReadRun(id)
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) listRunFiles(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run artifacts not available"})
		return
	}
	id := chi.URLParam(r, "id")
	files, err := h.runs.ListFiles(id)
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "files": files})
}

func (h *Handler) getRunFile(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run artifacts not available"})
		return
	}
	path, err := h.runs.FilePath(chi.URLParam(r, "id"), chi.URLParam(r, "*"))
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.queue.ListProjects(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if projects == nil {
		projects = []*task.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	var p task.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	created, err := h.queue.CreateProject(r.Context(), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) defaultProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.queue.DefaultProject(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.queue.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) updateProject(w http.ResponseWriter, r *http.Request) {
	var u task.ProjectUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	p, err := h.queue.UpdateProject(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// writeError maps domain errors onto status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, task.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, task.ErrPolicy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *Handler) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, artifact.ErrOutsideRun):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, fs.ErrNotExist):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run artifacts not found"})
	case errors.Is(err, artifact.ErrInvalidRunID):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		h.writeError(w, err)
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
