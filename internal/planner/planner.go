// Package planner produces per-repository plans for the agent_plan step.
// The built-in planners are signal driven; they never call out to an agent.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nidhogg/converge/internal/task"
	"github.com/nidhogg/converge/internal/workflow"
	"go.uber.org/zap"
)

const (
	ProviderCodex   = "codex"
	ProviderCopilot = "copilot"
)

func hasAny(signals []string, names ...string) bool {
	for _, s := range signals {
		for _, n := range names {
			if s == n {
				return true
			}
		}
	}
	return false
}

func status(questions []string) workflow.PlanStatus {
	if len(questions) > 0 {
		return workflow.PlanHITLRequired
	}
	return workflow.PlanOK
}

// Codex plans from repository signals. Only a missing repository or a
// repository with no signals at all raises questions.
type Codex struct{}

func (Codex) Plan(_ context.Context, in workflow.PlanInput) (workflow.RepoPlan, error) {
	var changes, questions []string
	signals := in.Repo.Signals
	switch {
	case hasAny(signals, "pyproject.toml", "requirements.txt"):
		changes = append(changes,
			"Update Python dependencies if needed for goal",
			"Add or modify Python modules to implement feature",
			"Update tests for new/modified functionality")
	case hasAny(signals, "package.json"):
		changes = append(changes,
			"Update Node.js dependencies if needed",
			"Add or modify JavaScript/TypeScript modules",
			"Update tests for new/modified functionality")
	case hasAny(signals, "go.mod"):
		changes = append(changes,
			"Update Go module dependencies if needed",
			"Add or modify Go packages to implement feature",
			"Update tests for new/modified functionality")
	default:
		changes = append(changes, "Review repository structure and add necessary files")
		if len(signals) == 0 {
			questions = append(questions, "Repository type unclear; manual analysis required")
		}
	}
	if !in.Repo.Exists {
		questions = append(questions, fmt.Sprintf("Repository path %s not found; cannot analyze", in.Repo.Path))
	}
	changes = append(changes, assignmentChanges(in.Assignments)...)

	kind := in.Repo.Kind
	if kind == "" {
		kind = "unknown"
	}
	return workflow.RepoPlan{
		Repo:            in.Repo.Path,
		Provider:        ProviderCodex,
		Status:          status(questions),
		Summary:         fmt.Sprintf("Heuristic plan for %s repository at %s", kind, in.Repo.Path),
		ProposedChanges: changes,
		Questions:       questions,
	}, nil
}

// Copilot produces a prompt-pack style plan and asks for a classification
// whenever the repository kind is unknown.
type Copilot struct{}

func (Copilot) Plan(_ context.Context, in workflow.PlanInput) (workflow.RepoPlan, error) {
	var changes, questions []string
	signals := in.Repo.Signals
	switch {
	case hasAny(signals, "pyproject.toml", "requirements.txt"):
		changes = append(changes, "Review and update Python modules as needed", "Add tests for new Python functionality")
	case hasAny(signals, "package.json"):
		changes = append(changes, "Review and update TypeScript/JavaScript modules", "Add tests for new features")
	case hasAny(signals, "go.mod"):
		changes = append(changes, "Review and update Go packages as needed", "Add tests for new Go functionality")
	default:
		changes = append(changes, "Analyze repository structure and identify change locations")
	}
	changes = append(changes, assignmentChanges(in.Assignments)...)
	changes = append(changes, "Update documentation if interfaces change")

	if !in.Repo.Exists {
		questions = append(questions, fmt.Sprintf("Repository at %s does not exist", in.Repo.Path))
	}
	if len(signals) == 0 {
		questions = append(questions, "No technology signals detected; manual inspection needed")
	}
	if in.Repo.Kind == "" || in.Repo.Kind == "unknown" {
		questions = append(questions, "Repository type unknown; classify as backend/frontend/service/docs")
	}

	kind := in.Repo.Kind
	if kind == "" {
		kind = "repository"
	}
	return workflow.RepoPlan{
		Repo:            in.Repo.Path,
		Provider:        ProviderCopilot,
		Status:          status(questions),
		Summary:         fmt.Sprintf("Copilot prompt pack for %s at %s: %s", kind, in.Repo.Path, in.Goal),
		ProposedChanges: changes,
		Questions:       questions,
	}, nil
}

func assignmentChanges(assignments []string) []string {
	out := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, "Assigned: "+a)
		}
	}
	return out
}

// Resolver maps provider names onto planners.
type Resolver struct {
	mu       sync.RWMutex
	planners map[string]workflow.Planner
	logger   *zap.Logger
}

// NewResolver returns a resolver with the codex and copilot planners
// registered.
func NewResolver(logger *zap.Logger) *Resolver {
	r := &Resolver{planners: make(map[string]workflow.Planner), logger: logger}
	r.Register(ProviderCodex, Codex{})
	r.Register(ProviderCopilot, Copilot{})
	return r
}

// Register adds or replaces the planner for name.
func (r *Resolver) Register(name string, p workflow.Planner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planners[strings.ToLower(name)] = p
	r.logger.Debug("registered planner", zap.String("provider", name))
}

func (r *Resolver) Resolve(provider string) (workflow.Planner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.planners[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, &task.ValidationError{
			Field:  "agent_provider",
			Reason: fmt.Sprintf("unknown provider %q (known: %s)", provider, strings.Join(r.names(), ", ")),
		}
	}
	return p, nil
}

func (r *Resolver) names() []string {
	out := make([]string, 0, len(r.planners))
	for n := range r.planners {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
