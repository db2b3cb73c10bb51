package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/converge/internal/client"
	"github.com/nidhogg/converge/internal/task"
)

// TaskAPI is the part of the management API the commands drive.
// *client.Client implements it.
type TaskAPI interface {
	Submit(ctx context.Context, s client.Submission) (*client.SubmitResult, error)
	Task(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts client.ListOptions) (*client.Page, error)
	Questions(ctx context.Context, id string) ([]string, error)
	Resolve(ctx context.Context, id string, resolution map[string]any) error
	Cancel(ctx context.Context, id string) error
	Followup(ctx context.Context, id, instruction string) (*task.Task, error)
	Projects(ctx context.Context) ([]*task.Project, error)
}

// RegisterBuiltins registers the task management commands and /help.
func RegisterBuiltins(reg *Registry, api TaskAPI) {
	reg.Register(helpCommand(reg))
	reg.Register(submitCommand(api))
	reg.Register(taskCommand(api))
	reg.Register(listCommand(api))
	reg.Register(questionsCommand(api))
	reg.Register(resolveCommand(api))
	reg.Register(cancelCommand(api))
	reg.Register(followupCommand(api))
	reg.Register(projectsCommand(api))
}

func usage(cmd string) *CommandResult {
	return &CommandResult{Content: "Usage: " + cmd}
}

// ---------------------------------------------------------------------------
// /help
// ---------------------------------------------------------------------------

func helpCommand(reg *Registry) *Command {
	return &Command{
		Name:        "help",
		Description: "List all available commands",
		Usage:       "/help",
		Handler: func(_ context.Context, _ string) (*CommandResult, error) {
			var b strings.Builder
			b.WriteString("Available commands:\n")
			for _, c := range reg.List() {
				fmt.Fprintf(&b, "  /%s: %s\n", c.Name, c.Description)
				if len(c.Aliases) > 0 {
					fmt.Fprintf(&b, "    Aliases: /%s\n", strings.Join(c.Aliases, ", /"))
				}
				if c.Usage != "" {
					fmt.Fprintf(&b, "    Usage: %s\n", c.Usage)
				}
			}
			return &CommandResult{Content: b.String()}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /submit <goal> -- <repo...>
// ---------------------------------------------------------------------------

func submitCommand(api TaskAPI) *Command {
	const u = "/submit <goal> -- <repo...> (repos may be omitted to use the project defaults)"
	return &Command{
		Name:        "submit",
		Description: "Queue a new convergence task",
		Usage:       u,
		Handler: func(ctx context.Context, args string) (*CommandResult, error) {
			goal, rest, _ := strings.Cut(args, "--")
			goal = strings.TrimSpace(goal)
			if goal == "" {
				return usage(u), nil
			}
			req := task.Request{Goal: goal}
			for _, f := range strings.Fields(rest) {
				if p, ok := strings.CutPrefix(f, "project="); ok {
					req.ProjectID = p
					continue
				}
				req.Repos = append(req.Repos, f)
			}
			res, err := api.Submit(ctx, client.Submission{Request: req})
			if err != nil {
				return nil, err
			}
			return &CommandResult{
				Content: fmt.Sprintf("Queued task %s (%d repo(s), max %d rounds)",
					res.Task.ID, len(res.Task.Request.Repos), res.Task.Request.MaxRounds),
				Data: res.Task,
			}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /task <id>
// ---------------------------------------------------------------------------

func taskCommand(api TaskAPI) *Command {
	return &Command{
		Name:        "task",
		Description: "Show a task's status",
		Usage:       "/task <id>",
		Handler: func(ctx context.Context, args string) (*CommandResult, error) {
			if args == "" {
				return usage("/task <id>"), nil
			}
			t, err := api.Task(ctx, args)
			if err != nil {
				return nil, err
			}
			return &CommandResult{Content: describeTask(t), Data: t}, nil
		},
	}
}

func describeTask(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s\n", t.ID, t.Status, t.Request.Goal)
	fmt.Fprintf(&b, "  attempts: %d\n", t.Attempts)
	fmt.Fprintf(&b, "  repos: %s\n", strings.Join(t.Request.Repos, ", "))
	if t.StatusReason != "" {
		fmt.Fprintf(&b, "  reason: %s\n", t.StatusReason)
	}
	if t.LastError != "" {
		fmt.Fprintf(&b, "  last error: %s\n", t.LastError)
	}
	if t.ArtifactsDir != "" {
		fmt.Fprintf(&b, "  artifacts: %s\n", t.ArtifactsDir)
	}
	for _, q := range t.HITLQuestions {
		fmt.Fprintf(&b, "  ? %s\n", q)
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// /list [status]
// ---------------------------------------------------------------------------

func listCommand(api TaskAPI) *Command {
	return &Command{
		Name:        "list",
		Aliases:     []string{"ls"},
		Description: "List recent tasks, optionally by status",
		Usage:       "/list [status]",
		Handler: func(ctx context.Context, args string) (*CommandResult, error) {
			page, err := api.List(ctx, client.ListOptions{Status: args, PageSize: 20})
			if err != nil {
				return nil, err
			}
			if len(page.Items) == 0 {
				return &CommandResult{Content: "No tasks."}, nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "%d task(s):\n", page.Total)
			for _, t := range page.Items {
				fmt.Fprintf(&b, "  %s [%s] %s\n", t.ID, t.Status, t.Request.Goal)
			}
			if page.HasNext {
				b.WriteString("  ...\n")
			}
			return &CommandResult{Content: b.String(), Data: page}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /questions <id>
// ---------------------------------------------------------------------------

func questionsCommand(api TaskAPI) *Command {
	return &Command{
		Name:        "questions",
		Aliases:     []string{"q"},
		Description: "Show the questions a paused task is waiting on",
		Usage:       "/questions <id>",
		Handler: func(ctx context.Context, args string) (*CommandResult, error) {
			if args == "" {
				return usage("/questions <id>"), nil
			}
			qs, err := api.Questions(ctx, args)
			if err != nil {
				return nil, err
			}
			if len(qs) == 0 {
				return &CommandResult{Content: "No open questions."}, nil
			}
			var b strings.Builder
			for i, q := range qs {
				fmt.Fprintf(&b, "%d. %s\n", i+1, q)
			}
			return &CommandResult{Content: b.String(), Data: qs}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /resolve <id> <json | action>
// ---------------------------------------------------------------------------

func resolveCommand(api TaskAPI) *Command {
	const u = `/resolve <id> <json object | action>, e.g. /resolve 42 {"action":"approve"}`
	return &Command{
		Name:        "resolve",
		Description: "Answer a paused task and requeue it",
		Usage:       u,
		Handler: func(ctx context.Context, args string) (*CommandResult, error) {
			id, raw, _ := strings.Cut(args, " ")
			raw = strings.TrimSpace(raw)
			if id == "" || raw == "" {
				return usage(u), nil
			}
			resolution, err := parseResolution(raw)
			if err != nil {
				return &CommandResult{Content: err.Error()}, nil
			}
			if err := api.Resolve(ctx, id, resolution); err != nil {
				return nil, err
			}
			return &CommandResult{Content: fmt.Sprintf("Task %s resolved and requeued", id)}, nil
		},
	}
}

// parseResolution accepts a JSON object, or a bare word taken as the action.
func parseResolution(raw string) (map[string]any, error) {
	if !strings.HasPrefix(raw, "{") {
		if strings.ContainsAny(raw, " \t") {
			return nil, fmt.Errorf("resolution must be a JSON object or a single action word")
		}
		return map[string]any{"action": raw}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid resolution JSON: %v", err)
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// /cancel <id>
// ---------------------------------------------------------------------------

func cancelCommand(api TaskAPI) *Command {
	return &Command{
		Name:        "cancel",
		Description: "Cancel a task that has not finished",
		Usage:       "/cancel <id>",
		Handler: func(ctx context.Context, args string) (*CommandResult, error) {
			if args == "" {
				return usage("/cancel <id>"), nil
			}
			if err := api.Cancel(ctx, args); err != nil {
				return nil, err
			}
			return &CommandResult{Content: fmt.Sprintf("Task %s cancelled", args)}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /followup <id> <instruction>
// ---------------------------------------------------------------------------

func followupCommand(api TaskAPI) *Command {
	return &Command{
		Name:        "followup",
		Description: "Queue a follow-up of a task with an extra instruction",
		Usage:       "/followup <id> <instruction>",
		Handler: func(ctx context.Context, args string) (*CommandResult, error) {
			id, instruction, _ := strings.Cut(args, " ")
			instruction = strings.TrimSpace(instruction)
			if id == "" || instruction == "" {
				return usage("/followup <id> <instruction>"), nil
			}
			t, err := api.Followup(ctx, id, instruction)
			if err != nil {
				return nil, err
			}
			return &CommandResult{Content: fmt.Sprintf("Queued follow-up %s of %s", t.ID, id), Data: t}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /projects
// ---------------------------------------------------------------------------

func projectsCommand(api TaskAPI) *Command {
	return &Command{
		Name:        "projects",
		Description: "List projects",
		Usage:       "/projects",
		Handler: func(ctx context.Context, _ string) (*CommandResult, error) {
			projects, err := api.Projects(ctx)
			if err != nil {
				return nil, err
			}
			if len(projects) == 0 {
				return &CommandResult{Content: "No projects."}, nil
			}
			var b strings.Builder
			for _, p := range projects {
				fmt.Fprintf(&b, "  [%s] %s (%s, %s)\n", p.ID, p.Name,
					p.Preferences.HITLTriggerMode, p.Preferences.ExecutionFlow)
			}
			return &CommandResult{Content: b.String(), Data: projects}, nil
		},
	}
}
