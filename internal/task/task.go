package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status represents the lifecycle state of a queued task.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusClaimed      Status = "CLAIMED"
	StatusRunning      Status = "RUNNING"
	StatusSucceeded    Status = "SUCCEEDED"
	StatusFailed       Status = "FAILED"
	StatusHITLRequired Status = "HITL_REQUIRED"
	StatusCancelled    Status = "CANCELLED"
)

// DefaultMaxRounds is applied to requests that leave max_rounds unset.
const DefaultMaxRounds = 2

var knownStatuses = map[Status]bool{
	StatusPending:      true,
	StatusClaimed:      true,
	StatusRunning:      true,
	StatusSucceeded:    true,
	StatusFailed:       true,
	StatusHITLRequired: true,
	StatusCancelled:    true,
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !knownStatuses[st] {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
	}
	return st, nil
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// validTransitions defines allowed state transitions. The only edges that
// lead back to PENDING are the retry and HITL-resolve paths.
var validTransitions = map[Status][]Status{
	StatusPending:      {StatusClaimed, StatusFailed, StatusCancelled},
	StatusClaimed:      {StatusRunning, StatusPending, StatusFailed, StatusCancelled},
	StatusRunning:      {StatusSucceeded, StatusHITLRequired, StatusPending, StatusFailed, StatusCancelled},
	StatusHITLRequired: {StatusPending, StatusFailed, StatusCancelled},
}

// Transition validates and returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// Request is the immutable payload submitted by callers.
type Request struct {
	Goal               string         `json:"goal"`
	Repos              []string       `json:"repos"`
	MaxRounds          int            `json:"max_rounds"`
	AgentProvider      string         `json:"agent_provider,omitempty"`
	ProjectID          string         `json:"project_id,omitempty"`
	CustomInstructions string         `json:"custom_instructions,omitempty"`
	ExecuteImmediately bool           `json:"execute_immediately"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

var knownProviders = map[string]bool{"": true, "codex": true, "copilot": true}

// Validate rejects malformed requests before they reach a store.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Goal) == "" {
		return &ValidationError{Field: "goal", Reason: "goal cannot be empty"}
	}
	if len(r.Repos) == 0 {
		return &ValidationError{Field: "repos", Reason: "at least one repository must be specified"}
	}
	seen := make(map[string]bool, len(r.Repos))
	for _, repo := range r.Repos {
		if strings.TrimSpace(repo) == "" {
			return &ValidationError{Field: "repos", Reason: "repository path cannot be empty"}
		}
		if seen[repo] {
			return &ValidationError{Field: "repos", Reason: fmt.Sprintf("duplicate repository %q", repo)}
		}
		seen[repo] = true
	}
	if r.MaxRounds < 1 {
		return &ValidationError{Field: "max_rounds", Reason: "max_rounds must be at least 1"}
	}
	if !knownProviders[strings.ToLower(r.AgentProvider)] {
		return &ValidationError{Field: "agent_provider", Reason: "agent_provider must be either 'codex' or 'copilot'"}
	}
	return nil
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (r Request) WithDefaults() Request {
	if r.MaxRounds == 0 {
		r.MaxRounds = DefaultMaxRounds
	}
	r.AgentProvider = strings.ToLower(strings.TrimSpace(r.AgentProvider))
	return r
}

// Task is a unit of submitted work and its lifecycle bookkeeping.
type Task struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id,omitempty"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	Attempts       int            `json:"attempts"`
	Request        Request        `json:"request"`
	LastError      string         `json:"last_error,omitempty"`
	ArtifactsDir   string         `json:"artifacts_dir,omitempty"`
	Source         string         `json:"source,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	DedupeKey      string         `json:"dedupe_key,omitempty"`
	HITLQuestions  []string       `json:"hitl_questions,omitempty"`
	HITLResolution map[string]any `json:"hitl_resolution,omitempty"`
	StatusReason   string         `json:"status_reason,omitempty"`
}

// Clone returns a copy that shares no slices or maps with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		c.ClaimedAt = &at
	}
	c.Request.Repos = append([]string(nil), t.Request.Repos...)
	c.Request.Metadata = cloneMap(t.Request.Metadata)
	c.HITLQuestions = append([]string(nil), t.HITLQuestions...)
	c.HITLResolution = cloneMap(t.HITLResolution)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DedupeKey derives the uniqueness key for a (source, idempotency key)
// pair. The source is length-prefixed so pairs such as ("a:b", "c") and
// ("a", "b:c") never share a key. It is empty when either half is missing.
func DedupeKey(source, idempotencyKey string) string {
	source = strings.TrimSpace(source)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if source == "" || idempotencyKey == "" {
		return ""
	}
	return strconv.Itoa(len(source)) + ":" + source + ":" + idempotencyKey
}

// Result is the outcome a worker reports back through Complete.
type Result struct {
	Status        Status   `json:"status"`
	Summary       string   `json:"summary"`
	ArtifactsDir  string   `json:"artifacts_dir,omitempty"`
	HITLQuestions []string `json:"hitl_questions,omitempty"`
	StatusReason  string   `json:"status_reason,omitempty"`
}

// Event describes one lifecycle transition, published after it commits.
type Event struct {
	TaskID    string    `json:"task_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
