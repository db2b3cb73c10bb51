package workflow

import "context"

// RepoInspector discovers existence, signals and constraints of one
// repository. A missing repository is reported through RepoInfo.Exists,
// not as an error.
type RepoInspector interface {
	Inspect(ctx context.Context, path string) (RepoInfo, error)
}

// ProposalGenerator produces a responsibility split. Errors never fail the
// run; the engine falls back to HeuristicProposal.
type ProposalGenerator interface {
	Generate(ctx context.Context, goal string, repos []RepoInfo) (*Proposal, error)
}

// PlanInput is what a planner sees for one repository.
type PlanInput struct {
	Goal         string
	Repo         RepoInfo
	Instructions string
	Assignments  []string
}

// Planner produces a structured plan for one repository.
type Planner interface {
	Plan(ctx context.Context, in PlanInput) (RepoPlan, error)
}

// PlannerResolver maps an agent provider name to its Planner.
type PlannerResolver interface {
	Resolve(provider string) (Planner, error)
}

// ContractAnalyzer reports cross-repository API contract drift.
type ContractAnalyzer interface {
	Analyze(ctx context.Context, repoPaths []string) (ContractReport, error)
}

// ArtifactWriter persists the run report and returns its directory.
type ArtifactWriter interface {
	Write(ctx context.Context, st *State) (string, error)
}
