package workflow

import (
	"context"
	"fmt"
	"strings"
)

var (
	backendHints  = []string{"api", "service", "backend", "server"}
	frontendHints = []string{"web", "ui", "frontend", "app"}
)

// HeuristicProposal derives a split from repository kinds and path hints.
// It never fails.
func HeuristicProposal(goal string, repos []RepoInfo) *Proposal {
	assignments := make(map[string][]string, len(repos))
	for _, r := range repos {
		name := strings.ToLower(r.Path)
		switch {
		case r.Kind == "python" || r.Kind == "go" || containsAny(name, backendHints):
			assignments[r.Path] = []string{
				fmt.Sprintf("Implement server-side logic for %s", goal),
				"Own validation and persistence changes",
			}
		case r.Kind == "node" || containsAny(name, frontendHints):
			assignments[r.Path] = []string{
				fmt.Sprintf("Implement user-facing updates for %s", goal),
				"Own client-side state and UX behavior",
			}
		default:
			assignments[r.Path] = []string{
				fmt.Sprintf("Implement %s in its owned domain", goal),
				"Coordinate contract changes with peer repositories",
			}
		}
	}
	return &Proposal{
		Assignments: assignments,
		Rationale:   "Heuristic split derived from repository type signals.",
		Risks:       []string{"Cross-repository contracts may require coordinated rollout"},
		Source:      "heuristic",
	}
}

func containsAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

// HeuristicGenerator adapts HeuristicProposal to ProposalGenerator.
type HeuristicGenerator struct{}

func (HeuristicGenerator) Generate(_ context.Context, goal string, repos []RepoInfo) (*Proposal, error) {
	return HeuristicProposal(goal, repos), nil
}
