package command

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nidhogg/converge/internal/client"
	"github.com/nidhogg/converge/internal/task"
)

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Command{
		Name:        "ping",
		Description: "Ping test",
		Usage:       "/ping",
		Handler: func(ctx context.Context, args string) (*CommandResult, error) {
			return &CommandResult{Content: "pong: " + args}, nil
		},
	})

	ctx := context.Background()

	// Test known command
	result, err := reg.Dispatch(ctx, "/ping hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "pong: hello" {
		t.Errorf("got %q, want %q", result.Content, "pong: hello")
	}

	// Test unknown command
	result, err = reg.Dispatch(ctx, "/unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Content, "Unknown command: /unknown") {
		t.Errorf("unexpected hint %q", result.Content)
	}
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Command{Name: "beta"})
	reg.Register(&Command{Name: "alpha"})

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("got %d commands, want 2", len(list))
	}
	if list[0].Name != "alpha" {
		t.Errorf("got %q first, want %q", list[0].Name, "alpha")
	}
}

func TestRegistryAliases(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Handler: func(context.Context, string) (*CommandResult, error) {
			return &CommandResult{Content: "listed"}, nil
		},
	})

	result, err := reg.Dispatch(context.Background(), "/LS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "listed" {
		t.Errorf("alias dispatched to %q", result.Content)
	}
	if n := len(reg.List()); n != 1 {
		t.Errorf("aliases must not be listed, got %d commands", n)
	}

	result, _ = reg.Dispatch(context.Background(), "/")
	if !strings.Contains(result.Content, "/help") {
		t.Errorf("empty input hint %q", result.Content)
	}
}

type fakeAPI struct {
	submitted  []client.Submission
	resolved   map[string]any
	cancelled  string
	followedUp string
	err        error
}

func (f *fakeAPI) Submit(_ context.Context, s client.Submission) (*client.SubmitResult, error) {
	f.submitted = append(f.submitted, s)
	req := s.Request
	req.MaxRounds = 2
	return &client.SubmitResult{Task: &task.Task{ID: "t1", Status: task.StatusPending, Request: req}}, f.err
}

func (f *fakeAPI) Task(_ context.Context, id string) (*task.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &task.Task{
		ID:            id,
		Status:        task.StatusHITLRequired,
		Request:       task.Request{Goal: "add audit log", Repos: []string{"/a", "/b"}},
		HITLQuestions: []string{"which repo owns auth?"},
	}, nil
}

func (f *fakeAPI) List(_ context.Context, opts client.ListOptions) (*client.Page, error) {
	if opts.Status == "FAILED" {
		return &client.Page{}, nil
	}
	return &client.Page{Total: 1, Items: []*task.Task{{ID: "t1", Status: task.StatusPending, Request: task.Request{Goal: "g"}}}}, nil
}

func (f *fakeAPI) Questions(context.Context, string) ([]string, error) {
	return []string{"first?", "second?"}, nil
}

func (f *fakeAPI) Resolve(_ context.Context, _ string, resolution map[string]any) error {
	f.resolved = resolution
	return f.err
}

func (f *fakeAPI) Cancel(_ context.Context, id string) error {
	f.cancelled = id
	return f.err
}

func (f *fakeAPI) Followup(_ context.Context, id, instruction string) (*task.Task, error) {
	f.followedUp = instruction
	return &task.Task{ID: "t2"}, f.err
}

func (f *fakeAPI) Projects(context.Context) ([]*task.Project, error) {
	return []*task.Project{{ID: task.DefaultProjectID, Name: "Default Project", Preferences: task.DefaultPreferences()}}, nil
}

func newRegistry(api TaskAPI) *Registry {
	reg := NewRegistry()
	RegisterBuiltins(reg, api)
	return reg
}

func TestSubmitCommand(t *testing.T) {
	api := &fakeAPI{}
	reg := newRegistry(api)

	res, err := reg.Dispatch(context.Background(), "/submit add audit log -- /src/api /src/web project=billing")
	if err != nil {
		t.Fatal(err)
	}
	if len(api.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(api.submitted))
	}
	got := api.submitted[0]
	if got.Goal != "add audit log" || len(got.Repos) != 2 || got.ProjectID != "billing" {
		t.Errorf("unexpected submission %+v", got)
	}
	if !strings.Contains(res.Content, "Queued task t1 (2 repo(s), max 2 rounds)") {
		t.Errorf("unexpected output %q", res.Content)
	}

	res, err = reg.Dispatch(context.Background(), "/submit -- /src/api")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Content, "Usage:") {
		t.Errorf("expected usage, got %q", res.Content)
	}
}

func TestResolveCommand(t *testing.T) {
	tests := []struct {
		input  string
		action any
	}{
		{`/resolve t1 {"action":"drop","repo":"/b"}`, "drop"},
		{`/resolve t1 approve`, "approve"},
	}
	for _, tt := range tests {
		api := &fakeAPI{}
		if _, err := newRegistry(api).Dispatch(context.Background(), tt.input); err != nil {
			t.Fatal(err)
		}
		if api.resolved["action"] != tt.action {
			t.Errorf("%s: got resolution %v", tt.input, api.resolved)
		}
	}

	api := &fakeAPI{}
	res, err := newRegistry(api).Dispatch(context.Background(), `/resolve t1 {not json`)
	if err != nil {
		t.Fatal(err)
	}
	if api.resolved != nil || !strings.Contains(res.Content, "invalid resolution JSON") {
		t.Errorf("expected parse complaint, got %q", res.Content)
	}
}

func TestTaskCommandsSurfaceErrors(t *testing.T) {
	api := &fakeAPI{err: &client.APIError{StatusCode: 409, Message: "cancel not allowed"}}
	reg := newRegistry(api)
	_, err := reg.Dispatch(context.Background(), "/cancel t1")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 409 {
		t.Errorf("expected api error, got %v", err)
	}
}

func TestReadCommands(t *testing.T) {
	api := &fakeAPI{}
	reg := newRegistry(api)
	ctx := context.Background()

	tests := []struct {
		input string
		want  string
	}{
		{"/task t9", "t9 [HITL_REQUIRED] add audit log"},
		{"/task", "Usage: /task <id>"},
		{"/list", "1 task(s)"},
		{"/list FAILED", "No tasks."},
		{"/questions t1", "2. second?"},
		{"/projects", "[default] Default Project"},
		{"/followup t1 also add metrics", "Queued follow-up t2 of t1"},
		{"/help", "/submit"},
	}
	for _, tt := range tests {
		res, err := reg.Dispatch(ctx, tt.input)
		if err != nil {
			t.Fatalf("%s: %v", tt.input, err)
		}
		if !strings.Contains(res.Content, tt.want) {
			t.Errorf("%s: expected %q in %q", tt.input, tt.want, res.Content)
		}
	}
	if api.followedUp != "also add metrics" {
		t.Errorf("unexpected followup instruction %q", api.followedUp)
	}
}
