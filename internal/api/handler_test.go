package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nidhogg/converge/internal/artifact"
	"github.com/nidhogg/converge/internal/queue"
	"github.com/nidhogg/converge/internal/task"
	"github.com/nidhogg/converge/internal/workflow"
	"go.uber.org/zap"
)

type testEnv struct {
	queue *queue.Queue
	runs  *artifact.Writer
	ts    *httptest.Server
}

// newTestEnv wires the handler over an in-memory queue and a temp run dir.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	q := queue.New(queue.NewMemoryStore(), queue.Options{MaxAttempts: 3}, logger)
	runs := artifact.NewWriter(t.TempDir(), logger)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "# metrics\n")
	})
	h := NewHandler(q, runs, metrics, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return &testEnv{queue: q, runs: runs, ts: ts}
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func patchJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPatch, ts.URL+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func submit(t *testing.T, env *testEnv, body map[string]any) submitResponse {
	t.Helper()
	resp := postJSON(t, env.ts, "/api/tasks", body)
	expectStatus(t, resp, http.StatusCreated)
	var out submitResponse
	decodeJSON(t, resp, &out)
	return out
}

// pause drives a task to HITL_REQUIRED the way a worker would.
func pause(t *testing.T, q *queue.Queue, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := q.PollAndClaim(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkRunning(ctx, id); err != nil {
		t.Fatal(err)
	}
	err := q.Complete(ctx, id, task.Result{Status: task.StatusHITLRequired, HITLQuestions: []string{"Which repo owns auth?"}})
	if err != nil {
		t.Fatal(err)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	resp := getJSON(t, env.ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)

	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %s", body["status"])
	}
}

func TestMetricsMounted(t *testing.T) {
	env := newTestEnv(t)
	resp := getJSON(t, env.ts, "/metrics")
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "# metrics") {
		t.Errorf("unexpected metrics body %q", b)
	}
}

func TestSubmitAppliesDefaultProject(t *testing.T) {
	env := newTestEnv(t)
	out := submit(t, env, map[string]any{"goal": "add audit log", "repos": []string{"/src/api"}})

	if out.Deduped {
		t.Error("fresh submission must not be deduped")
	}
	if out.Task.Status != task.StatusPending {
		t.Errorf("expected PENDING, got %s", out.Task.Status)
	}
	if out.Task.Request.ProjectID != "default" {
		t.Errorf("expected default project, got %q", out.Task.Request.ProjectID)
	}
	if out.Task.Request.MaxRounds != task.DefaultMaxRounds {
		t.Errorf("expected default max_rounds, got %d", out.Task.Request.MaxRounds)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty goal", map[string]any{"goal": " ", "repos": []string{"/a"}}},
		{"no repos", map[string]any{"goal": "g"}},
		{"duplicate repos", map[string]any{"goal": "g", "repos": []string{"/a", "/a"}}},
		{"bad provider", map[string]any{"goal": "g", "repos": []string{"/a"}, "agent_provider": "gpt"}},
		{"execute under plan_then_execute", map[string]any{"goal": "g", "repos": []string{"/a"}, "execute_immediately": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, env.ts, "/api/tasks", tt.body)
			expectStatus(t, resp, http.StatusBadRequest)
			resp.Body.Close()
		})
	}

	resp := postJSON(t, env.ts, "/api/tasks", map[string]any{"goal": "g", "repos": []string{"/a"}, "project_id": "nope"})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestSubmitDedupe(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{"goal": "g", "repos": []string{"/a"}, "source": "jira", "idempotency_key": "PROJ-1"}
	first := submit(t, env, body)

	resp := postJSON(t, env.ts, "/api/tasks", body)
	expectStatus(t, resp, http.StatusOK)
	var second submitResponse
	decodeJSON(t, resp, &second)
	if !second.Deduped || second.Task.ID != first.Task.ID {
		t.Errorf("expected dedupe onto %s, got %+v", first.Task.ID, second)
	}
}

func TestLookupBySourceIdempotency(t *testing.T) {
	env := newTestEnv(t)
	created := submit(t, env, map[string]any{
		"goal": "g", "repos": []string{"/a"}, "source": "github:acme", "idempotency_key": "42",
	})

	resp := getJSON(t, env.ts, "/api/tasks/lookup?source=github%3Aacme&idempotency_key=42")
	expectStatus(t, resp, http.StatusOK)
	var got task.Task
	decodeJSON(t, resp, &got)
	if got.ID != created.Task.ID {
		t.Errorf("lookup returned %s, want %s", got.ID, created.Task.ID)
	}

	resp = getJSON(t, env.ts, "/api/tasks/lookup?source=github&idempotency_key=acme%3A42")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = getJSON(t, env.ts, "/api/tasks/lookup?source=github")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestListTasksPaging(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		submit(t, env, map[string]any{"goal": "g", "repos": []string{"/a"}})
	}

	resp := getJSON(t, env.ts, "/api/tasks?page=1&page_size=2")
	expectStatus(t, resp, http.StatusOK)
	var page taskPage
	decodeJSON(t, resp, &page)
	if page.Total != 3 || len(page.Items) != 2 || !page.HasNext || page.HasPrev {
		t.Errorf("unexpected first page %+v", page)
	}

	resp = getJSON(t, env.ts, "/api/tasks?page=2&page_size=2&status=pending")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &page)
	if len(page.Items) != 1 || page.HasNext || !page.HasPrev || page.Offset != 2 {
		t.Errorf("unexpected second page %+v", page)
	}

	for _, q := range []string{"page_size=201", "page=0", "status=BOGUS"} {
		resp = getJSON(t, env.ts, "/api/tasks?"+q)
		expectStatus(t, resp, http.StatusBadRequest)
		resp.Body.Close()
	}
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp := getJSON(t, env.ts, "/api/tasks/missing")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestResolveFlow(t *testing.T) {
	env := newTestEnv(t)
	out := submit(t, env, map[string]any{"goal": "g", "repos": []string{"/a"}})
	id := out.Task.ID

	// Resolving a task that is not paused is a conflict.
	resp := postJSON(t, env.ts, "/api/tasks/"+id+"/resolve", map[string]any{"action": "approve"})
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	pause(t, env.queue, id)

	resp = getJSON(t, env.ts, "/api/tasks/"+id+"/questions")
	expectStatus(t, resp, http.StatusOK)
	var qs struct {
		Questions []string `json:"questions"`
	}
	decodeJSON(t, resp, &qs)
	if len(qs.Questions) != 1 {
		t.Fatalf("expected one question, got %v", qs.Questions)
	}

	resp = postJSON(t, env.ts, "/api/tasks/"+id+"/resolve", map[string]any{"action": "approve"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	got, err := env.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusPending || got.HITLResolution["action"] != "approve" {
		t.Errorf("expected requeued task with resolution, got %s %v", got.Status, got.HITLResolution)
	}
}

func TestResolveRejectsNonObject(t *testing.T) {
	env := newTestEnv(t)
	out := submit(t, env, map[string]any{"goal": "g", "repos": []string{"/a"}})
	resp := postJSON(t, env.ts, "/api/tasks/"+out.Task.ID+"/resolve", []string{"approve"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	out := submit(t, env, map[string]any{"goal": "g", "repos": []string{"/a"}})

	resp := postJSON(t, env.ts, "/api/tasks/"+out.Task.ID+"/cancel", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, env.ts, "/api/tasks/"+out.Task.ID+"/cancel", nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestFollowup(t *testing.T) {
	env := newTestEnv(t)
	parent := submit(t, env, map[string]any{"goal": "g", "repos": []string{"/a"}})

	resp := postJSON(t, env.ts, "/api/tasks/"+parent.Task.ID+"/followup", map[string]any{"instruction": "also add metrics"})
	expectStatus(t, resp, http.StatusCreated)
	var out submitResponse
	decodeJSON(t, resp, &out)
	if out.Task.ID == parent.Task.ID {
		t.Fatal("followup must be a new task")
	}
	if out.Task.Request.Metadata["followup_from_task_id"] != parent.Task.ID {
		t.Errorf("expected followup link, got %v", out.Task.Request.Metadata)
	}
	if !strings.Contains(out.Task.Request.CustomInstructions, "also add metrics") {
		t.Errorf("instruction not carried: %q", out.Task.Request.CustomInstructions)
	}

	resp = postJSON(t, env.ts, "/api/tasks/"+parent.Task.ID+"/followup", map[string]any{"instruction": ""})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestFollowupRefusedByProject(t *testing.T) {
	env := newTestEnv(t)
	prefs := task.DefaultPreferences()
	prefs.AllowCustomInstructionsAfterPlan = false
	p, err := env.queue.CreateProject(context.Background(), task.Project{Name: "locked", Preferences: prefs})
	if err != nil {
		t.Fatal(err)
	}
	parent := submit(t, env, map[string]any{"goal": "g", "repos": []string{"/a"}, "project_id": p.ID})

	resp := postJSON(t, env.ts, "/api/tasks/"+parent.Task.ID+"/followup", map[string]any{"instruction": "more"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestRunArtifacts(t *testing.T) {
	env := newTestEnv(t)
	out := submit(t, env, map[string]any{"goal": "g", "repos": []string{"/a"}})
	id := out.Task.ID

	resp := getJSON(t, env.ts, "/api/tasks/"+id+"/run")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	_, err := env.runs.Write(context.Background(), &workflow.State{
		Version: workflow.StateVersion,
		RunID:   id,
		Goal:    "g",
		Status:  workflow.StatusConverged,
	})
	if err != nil {
		t.Fatal(err)
	}

	resp = getJSON(t, env.ts, "/api/tasks/"+id+"/run")
	expectStatus(t, resp, http.StatusOK)
	var st workflow.State
	decodeJSON(t, resp, &st)
	if st.Status != workflow.StatusConverged {
		t.Errorf("expected converged run, got %s", st.Status)
	}

	resp = getJSON(t, env.ts, "/api/runs/"+id+"/files")
	expectStatus(t, resp, http.StatusOK)
	var listing struct {
		Files []artifact.FileInfo `json:"files"`
	}
	decodeJSON(t, resp, &listing)
	if len(listing.Files) != 2 {
		t.Errorf("expected report and run files, got %+v", listing.Files)
	}

	resp = getJSON(t, env.ts, "/api/runs/"+id+"/files/"+artifact.ReportFile)
	expectStatus(t, resp, http.StatusOK)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), "# Convergence report") {
		t.Errorf("unexpected report %q", b)
	}

	resp = getJSON(t, env.ts, "/api/runs/"+id+"/files/missing.md")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestProjects(t *testing.T) {
	env := newTestEnv(t)

	resp := getJSON(t, env.ts, "/api/projects/default")
	expectStatus(t, resp, http.StatusOK)
	var def task.Project
	decodeJSON(t, resp, &def)
	if def.ID != "default" {
		t.Errorf("expected default id, got %s", def.ID)
	}

	resp = postJSON(t, env.ts, "/api/projects", map[string]any{"name": "billing", "default_repos": []string{"/src/billing"}})
	expectStatus(t, resp, http.StatusCreated)
	var created task.Project
	decodeJSON(t, resp, &created)
	if created.ID == "" || created.Preferences.MaxHITLQuestions != 2 {
		t.Errorf("unexpected project %+v", created)
	}

	resp = patchJSON(t, env.ts, "/api/projects/"+created.ID, map[string]any{"description": "payments"})
	expectStatus(t, resp, http.StatusOK)
	var updated task.Project
	decodeJSON(t, resp, &updated)
	if updated.Description != "payments" || updated.Name != "billing" {
		t.Errorf("unexpected update %+v", updated)
	}

	resp = postJSON(t, env.ts, "/api/projects", map[string]any{"name": ""})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = getJSON(t, env.ts, "/api/projects/nope")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = getJSON(t, env.ts, "/api/projects")
	expectStatus(t, resp, http.StatusOK)
	var all []task.Project
	decodeJSON(t, resp, &all)
	if len(all) != 2 {
		t.Errorf("expected default and billing, got %d", len(all))
	}

	// Tasks submitted without repos take the project's defaults.
	out := submit(t, env, map[string]any{"goal": "g", "project_id": created.ID})
	if len(out.Task.Request.Repos) != 1 || out.Task.Request.Repos[0] != "/src/billing" {
		t.Errorf("expected project repos, got %v", out.Task.Request.Repos)
	}
}
