// Package workflow runs one convergence job as an explicit state machine:
// collect repository constraints, propose a split, plan per repository,
// check contracts, decide, optionally suspend for a human, and write
// artifacts.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/converge/internal/checkpoint"
	"github.com/nidhogg/converge/internal/task"
	"go.uber.org/zap"
)

// Config holds engine-wide settings.
type Config struct {
	Mode Mode
	// StrictResume fails a resume that finds no checkpoint instead of
	// replaying the run from scratch.
	StrictResume    bool
	DefaultProvider string
	Now             func() time.Time
}

// Deps are the engine's collaborators. Inspector and Planners are
// required; Checkpoints is required in interrupt mode.
type Deps struct {
	Inspector   RepoInspector
	Proposals   ProposalGenerator
	Planners    PlannerResolver
	Contracts   ContractAnalyzer
	Artifacts   ArtifactWriter
	Checkpoints checkpoint.Store
}

// Input is one invocation. RunID must equal the owning task id so a
// paused run can be found again.
type Input struct {
	RunID       string
	Request     task.Request
	Preferences *task.Preferences
	Decision    map[string]any
}

// Outcome is what the caller maps back onto the task.
type Outcome struct {
	Status       Status
	Summary      string
	StatusReason string
	ArtifactsDir string
	Questions    []string
	Round        int
	Paused       bool
	Resumed      bool
	State        *State
}

type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

func NewEngine(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeConditional
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("unknown hitl mode %q", cfg.Mode)
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "codex"
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Inspector == nil {
		return nil, errors.New("workflow engine needs a repository inspector")
	}
	if deps.Planners == nil {
		return nil, errors.New("workflow engine needs a planner resolver")
	}
	if cfg.Mode == ModeInterrupt && deps.Checkpoints == nil {
		return nil, errors.New("interrupt mode needs a checkpoint store")
	}
	if deps.Proposals == nil {
		deps.Proposals = HeuristicGenerator{}
	}
	return &Engine{cfg: cfg, deps: deps, logger: logger}, nil
}

func (e *Engine) Mode() Mode { return e.cfg.Mode }

// Execute runs the graph for in. With a decision in interrupt mode it first
// tries to resume the suspended run; without a usable checkpoint it replays
// from scratch, or fails with ErrCheckpointMissing under StrictResume.
func (e *Engine) Execute(ctx context.Context, in Input) (*Outcome, error) {
	if strings.TrimSpace(in.RunID) == "" {
		return nil, errors.New("workflow run id is required")
	}
	log := e.logger.With(zap.String("task", in.RunID))

	if in.Decision != nil && e.cfg.Mode == ModeInterrupt {
		st, node, ok := e.loadCheckpoint(ctx, in.RunID, log)
		if ok {
			log.Info("resuming run from checkpoint", zap.String("node", string(node)), zap.Int("round", st.Round))
			st.HumanDecision = in.Decision
			st.addEvent(NodeHITLInterrupt, "hitl_decision_received", e.cfg.Now())
			applyDecision(st)
			if err := e.deps.Checkpoints.Delete(ctx, in.RunID); err != nil {
				log.Warn("delete checkpoint failed", zap.Error(err))
			}
			return e.run(ctx, st, node, true, log)
		}
		if e.cfg.StrictResume {
			return nil, fmt.Errorf("resume run %s: %w", in.RunID, ErrCheckpointMissing)
		}
		log.Warn("no checkpoint for run, replaying from scratch")
	}

	return e.run(ctx, e.initialState(in), NodeCollectConstraints, false, log)
}

func (e *Engine) initialState(in Input) *State {
	req := in.Request.WithDefaults()
	prefs := task.DefaultPreferences()
	if in.Preferences != nil {
		prefs = *in.Preferences
	}
	provider := req.AgentProvider
	if provider == "" {
		provider = e.cfg.DefaultProvider
	}
	repos := make([]RepoInfo, len(req.Repos))
	for i, r := range req.Repos {
		repos[i] = RepoInfo{Path: r, Kind: "unknown"}
	}
	return &State{
		Version:       StateVersion,
		RunID:         in.RunID,
		Goal:          req.Goal,
		Instructions:  req.CustomInstructions,
		AgentProvider: provider,
		Preferences:   prefs,
		Mode:          e.cfg.Mode,
		MaxRounds:     req.MaxRounds,
		Repos:         repos,
		Status:        StatusFailed,
		HumanDecision: in.Decision,
		Events:        []Event{},
	}
}

// run drives the graph from node until it ends or suspends.
func (e *Engine) run(ctx context.Context, st *State, node Node, resumed bool, log *zap.Logger) (*Outcome, error) {
	for node != NodeEnd {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Debug("workflow node", zap.String("node", string(node)), zap.Int("round", st.Round))
		if err := e.execute(ctx, st, node); err != nil {
			return nil, &ExecutionError{Node: node, Err: err}
		}
		tr := next(st, node)
		if tr.Suspend {
			if err := e.suspend(ctx, st, tr.Next); err != nil {
				return nil, &ExecutionError{Node: node, Err: err}
			}
			log.Info("run suspended for human input", zap.Int("round", st.Round), zap.Int("questions", len(st.Questions)))
			return e.outcome(st, true, resumed), nil
		}
		node = tr.Next
	}
	log.Info("run finished", zap.String("status", string(st.Status)), zap.Int("round", st.Round))
	return e.outcome(st, false, resumed), nil
}

func (e *Engine) suspend(ctx context.Context, st *State, resumeAt Node) error {
	data, err := st.marshal()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	cp := &checkpoint.Checkpoint{
		RunID:     st.RunID,
		Next:      string(resumeAt),
		Version:   StateVersion,
		State:     data,
		Questions: append([]string(nil), st.Questions...),
		CreatedAt: e.cfg.Now(),
	}
	if err := e.deps.Checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// loadCheckpoint treats an unreadable store, a stale version or a corrupt
// payload the same as a missing checkpoint.
func (e *Engine) loadCheckpoint(ctx context.Context, runID string, log *zap.Logger) (*State, Node, bool) {
	cp, err := e.deps.Checkpoints.Load(ctx, runID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, "", false
	}
	if err != nil {
		log.Warn("load checkpoint failed", zap.Error(err))
		return nil, "", false
	}
	if cp.Version != StateVersion {
		log.Warn("checkpoint version mismatch", zap.Int("version", cp.Version), zap.Int("want", StateVersion))
		return nil, "", false
	}
	st, err := unmarshalState(cp.State)
	if err != nil {
		log.Warn("decode checkpoint state failed", zap.Error(err))
		return nil, "", false
	}
	node, err := ParseNode(cp.Next)
	if err != nil {
		log.Warn("checkpoint has unknown resume node", zap.Error(err))
		return nil, "", false
	}
	return st, node, true
}

func (e *Engine) outcome(st *State, paused, resumed bool) *Outcome {
	status := st.Status
	if paused {
		status = StatusHITLRequired
	}
	return &Outcome{
		Status:       status,
		Summary:      fmt.Sprintf("Goal '%s' finished with status %s after %d rounds", st.Goal, status, st.Round),
		StatusReason: st.StatusReason,
		ArtifactsDir: st.ArtifactsDir,
		Questions:    append([]string(nil), st.Questions...),
		Round:        st.Round,
		Paused:       paused,
		Resumed:      resumed,
		State:        st,
	}
}

// applyDecision lets a human decision clear a HITL verdict. FAILED stays
// FAILED.
func applyDecision(st *State) {
	if st.HumanDecision == nil || st.Status != StatusHITLRequired {
		return
	}
	st.Status = StatusConverged
	st.StatusReason = "resolved by human decision"
	st.Questions = nil
}
