package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/converge/internal/task"
	"go.uber.org/zap"
)

// execute runs the body of node against st.
func (e *Engine) execute(ctx context.Context, st *State, node Node) error {
	switch node {
	case NodeCollectConstraints:
		return e.collectConstraints(ctx, st)
	case NodeProposeSplit:
		e.proposeSplit(ctx, st)
		return nil
	case NodeAgentPlan:
		return e.agentPlan(ctx, st)
	case NodeContractAlignment:
		return e.contractAlignment(ctx, st)
	case NodeDecide:
		e.decide(st)
		return nil
	case NodeHITLInterrupt:
		if st.HumanDecision != nil {
			st.addEvent(node, "human decision present, continuing", e.cfg.Now())
		} else {
			st.addEvent(node, fmt.Sprintf("suspending with %d question(s)", len(st.Questions)), e.cfg.Now())
		}
		return nil
	case NodeWriteArtifacts:
		return e.writeArtifacts(ctx, st)
	default:
		return fmt.Errorf("no body for node %q", node)
	}
}

func (e *Engine) collectConstraints(ctx context.Context, st *State) error {
	missing := 0
	for i, r := range st.Repos {
		info, err := e.deps.Inspector.Inspect(ctx, r.Path)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", r.Path, err)
		}
		info.Path = r.Path
		if info.Kind == "" {
			info.Kind = "unknown"
		}
		if !info.Exists {
			missing++
		}
		st.Repos[i] = info
	}
	st.addEvent(NodeCollectConstraints,
		fmt.Sprintf("inspected %d repositories, %d missing", len(st.Repos), missing), e.cfg.Now())
	return nil
}

func (e *Engine) proposeSplit(ctx context.Context, st *State) {
	p, err := e.deps.Proposals.Generate(ctx, st.Goal, st.Repos)
	if err != nil || p == nil {
		if err != nil {
			e.logger.Warn("proposal generation failed, using heuristic split",
				zap.String("task", st.RunID), zap.Error(err))
		}
		p = HeuristicProposal(st.Goal, st.Repos)
	}
	st.Proposal = p
	st.addEvent(NodeProposeSplit,
		fmt.Sprintf("%s proposal covering %d repositories", p.Source, len(p.Assignments)), e.cfg.Now())
}

func (e *Engine) agentPlan(ctx context.Context, st *State) error {
	planner, err := e.deps.Planners.Resolve(st.AgentProvider)
	if err != nil {
		return fmt.Errorf("resolve planner: %w", err)
	}
	instructions := planInstructions(st)
	plans := make([]RepoPlan, 0, len(st.Repos))
	for _, r := range st.Repos {
		var assignments []string
		if st.Proposal != nil {
			assignments = st.Proposal.Assignments[r.Path]
		}
		plan, err := planner.Plan(ctx, PlanInput{
			Goal:         st.Goal,
			Repo:         r,
			Instructions: instructions,
			Assignments:  assignments,
		})
		if err != nil {
			return fmt.Errorf("plan %s: %w", r.Path, err)
		}
		if plan.Repo == "" {
			plan.Repo = r.Path
		}
		if plan.Provider == "" {
			plan.Provider = st.AgentProvider
		}
		plans = append(plans, plan)
	}
	st.Plans = plans

	counts := map[PlanStatus]int{}
	for _, p := range plans {
		counts[p.Status]++
	}
	st.addEvent(NodeAgentPlan, fmt.Sprintf("%s plans: %d ok, %d hitl, %d failed",
		st.AgentProvider, counts[PlanOK], counts[PlanHITLRequired], counts[PlanFailed]), e.cfg.Now())
	return nil
}

// planInstructions folds the project preferences into the instructions
// handed to planners.
func planInstructions(st *State) string {
	var parts []string
	if pre := strings.TrimSpace(st.Preferences.PromptPreamble); pre != "" {
		parts = append(parts, pre)
	}
	if st.Instructions != "" {
		parts = append(parts, st.Instructions)
	}
	var rules []string
	if st.Preferences.PlanningStrategy == task.StrategyBestPracticeFirst {
		rules = append(rules, "- Prefer established best practices over local conventions.")
	} else {
		rules = append(rules, "- Extend the existing architecture before introducing new patterns.")
	}
	if st.Preferences.EnforceExistingPatterns {
		rules = append(rules, "- Follow the patterns already used in the repository.")
	}
	if st.Preferences.PreferMinimalChanges {
		rules = append(rules, "- Keep changes minimal and surgical.")
	}
	if st.Preferences.RequireBestPracticeAlignment {
		rules = append(rules, "- Call out any deviation from best practice.")
	}
	parts = append(parts, "Project rules:\n"+strings.Join(rules, "\n"))
	return strings.Join(parts, "\n\n")
}

func (e *Engine) contractAlignment(ctx context.Context, st *State) error {
	report := ContractReport{Issues: []string{}}
	if e.deps.Contracts != nil {
		var paths []string
		for _, r := range st.Repos {
			if r.Exists {
				paths = append(paths, r.Path)
			}
		}
		var err error
		if report, err = e.deps.Contracts.Analyze(ctx, paths); err != nil {
			return fmt.Errorf("analyze contracts: %w", err)
		}
	}
	st.Contract = &report
	st.addEvent(NodeContractAlignment, fmt.Sprintf("%d contract issue(s)", len(report.Issues)), e.cfg.Now())
	return nil
}

// decide increments the round and computes the aggregate status by
// priority: any failed plan, then any HITL signal, then converged.
func (e *Engine) decide(st *State) {
	st.Round++
	status, reasons, questions := evaluate(st)

	if status == StatusHITLRequired && st.HumanDecision != nil {
		status = StatusConverged
		reasons = []string{"resolved by human decision"}
		questions = nil
	}

	if limit := st.Preferences.MaxHITLQuestions; limit > 0 && len(questions) > limit {
		omitted := len(questions) - limit
		questions = questions[:limit]
		reasons = append(reasons, fmt.Sprintf("%d further question(s) omitted", omitted))
	}

	st.Status = status
	st.StatusReason = strings.Join(reasons, "; ")
	st.Questions = questions
	st.addEvent(NodeDecide, fmt.Sprintf("round %d/%d: %s", st.Round, st.MaxRounds, status), e.cfg.Now())
}

func evaluate(st *State) (Status, []string, []string) {
	for _, p := range st.Plans {
		if p.Status == PlanFailed {
			return StatusFailed, []string{fmt.Sprintf("planner failed for %s: %s", p.Repo, p.Summary)}, nil
		}
	}

	var reasons, questions []string
	var missing []string
	for _, r := range st.Repos {
		if !r.Exists {
			missing = append(missing, r.Path)
			questions = append(questions,
				fmt.Sprintf("Repository %s does not exist. Provide the correct path or drop it from the request?", r.Path))
		}
	}
	if len(missing) > 0 {
		reasons = append(reasons, "missing repository: "+strings.Join(missing, ", "))
	}

	if st.Proposal != nil && len(st.Proposal.Questions) > 0 {
		reasons = append(reasons, "ambiguous proposal")
		questions = append(questions, st.Proposal.Questions...)
	}
	if st.Preferences.HITLTriggerMode == task.TriggerStrict && st.Proposal != nil && len(st.Proposal.Risks) > 0 {
		reasons = append(reasons, "proposal risks need sign-off")
		for _, risk := range st.Proposal.Risks {
			questions = append(questions, "Accept risk: "+risk+"?")
		}
	}

	hitlPlans := 0
	for _, p := range st.Plans {
		if p.Status != PlanHITLRequired {
			continue
		}
		hitlPlans++
		for _, q := range p.Questions {
			questions = append(questions, fmt.Sprintf("[%s] %s", p.Repo, q))
		}
	}
	if hitlPlans > 0 {
		reasons = append(reasons, fmt.Sprintf("%d repository plan(s) need input", hitlPlans))
	}

	if st.Contract != nil && len(st.Contract.Issues) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d contract issue(s)", len(st.Contract.Issues)))
		for _, issue := range st.Contract.Issues {
			questions = append(questions, "Contract drift: "+issue)
		}
	}

	if len(reasons) > 0 {
		return StatusHITLRequired, reasons, dedupe(questions)
	}
	return StatusConverged, []string{"all repository plans converged"}, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) writeArtifacts(ctx context.Context, st *State) error {
	if e.deps.Artifacts == nil {
		st.addEvent(NodeWriteArtifacts, "no artifact writer configured", e.cfg.Now())
		return nil
	}
	st.addEvent(NodeWriteArtifacts, "writing run report", e.cfg.Now())
	dir, err := e.deps.Artifacts.Write(ctx, st)
	if err != nil {
		return fmt.Errorf("write artifacts: %w", err)
	}
	st.ArtifactsDir = dir
	return nil
}
