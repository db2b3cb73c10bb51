package workflow

import (
	"encoding/json"
	"time"

	"github.com/nidhogg/converge/internal/task"
)

// StateVersion is bumped whenever State changes shape. Checkpoints written
// with another version are ignored on resume.
const StateVersion = 1

// Mode selects the routing after the decide node.
type Mode string

const (
	// ModeConditional re-proposes while HITL is required and rounds remain.
	ModeConditional Mode = "conditional"
	// ModeInterrupt suspends for a human on the first HITL signal.
	ModeInterrupt Mode = "interrupt"
)

func (m Mode) Valid() bool { return m == ModeConditional || m == ModeInterrupt }

// Status is the aggregate verdict of a run.
type Status string

const (
	StatusConverged    Status = "CONVERGED"
	StatusHITLRequired Status = "HITL_REQUIRED"
	StatusFailed       Status = "FAILED"
)

// PlanStatus is the verdict of one repository planner.
type PlanStatus string

const (
	PlanOK           PlanStatus = "OK"
	PlanHITLRequired PlanStatus = "HITL_REQUIRED"
	PlanFailed       PlanStatus = "FAILED"
)

// RepoInfo is what collect_constraints learned about one repository.
type RepoInfo struct {
	Path          string   `json:"path"`
	Exists        bool     `json:"exists"`
	Kind          string   `json:"kind"`
	Signals       []string `json:"signals,omitempty"`
	Constraints   []string `json:"constraints,omitempty"`
	ReadmeExcerpt string   `json:"readme_excerpt,omitempty"`
}

// Proposal is a responsibility split across repositories.
type Proposal struct {
	Assignments map[string][]string `json:"assignments"`
	Rationale   string              `json:"rationale"`
	Risks       []string            `json:"risks,omitempty"`
	Questions   []string            `json:"questions_for_hitl,omitempty"`
	Source      string              `json:"source"`
}

// RepoPlan is one planner's answer for one repository.
type RepoPlan struct {
	Repo            string     `json:"repo"`
	Provider        string     `json:"provider"`
	Status          PlanStatus `json:"status"`
	Summary         string     `json:"summary"`
	ProposedChanges []string   `json:"proposed_changes,omitempty"`
	Questions       []string   `json:"questions_for_hitl,omitempty"`
}

// ContractReport is the contract analyzer's result.
type ContractReport struct {
	Issues    []string `json:"issues"`
	Summaries []string `json:"per_repo_summaries,omitempty"`
}

// Event is one audit log entry. The log is append-only.
type Event struct {
	Node    string    `json:"node"`
	Message string    `json:"message"`
	Round   int       `json:"round"`
	At      time.Time `json:"at"`
}

// State is everything threaded through one run. It is the checkpoint
// payload, so every field must survive a JSON round trip.
type State struct {
	Version       int              `json:"version"`
	RunID         string           `json:"run_id"`
	Goal          string           `json:"goal"`
	Instructions  string           `json:"instructions,omitempty"`
	AgentProvider string           `json:"agent_provider"`
	Preferences   task.Preferences `json:"preferences"`
	Mode          Mode             `json:"hitl_mode"`
	Round         int              `json:"round"`
	MaxRounds     int              `json:"max_rounds"`
	Repos         []RepoInfo       `json:"repos"`
	Proposal      *Proposal        `json:"proposal,omitempty"`
	Plans         []RepoPlan       `json:"repo_plans,omitempty"`
	Contract      *ContractReport  `json:"contract,omitempty"`
	Status        Status           `json:"status"`
	StatusReason  string           `json:"status_reason,omitempty"`
	Questions     []string         `json:"hitl_questions,omitempty"`
	HumanDecision map[string]any   `json:"human_decision,omitempty"`
	ArtifactsDir  string           `json:"artifacts_dir,omitempty"`
	Events        []Event          `json:"events"`
}

func (s *State) addEvent(node Node, msg string, at time.Time) {
	s.Events = append(s.Events, Event{Node: string(node), Message: msg, Round: s.Round, At: at})
}

// EventsFor returns the events logged by node.
func (s *State) EventsFor(node Node) []Event {
	var out []Event
	for _, e := range s.Events {
		if e.Node == string(node) {
			out = append(out, e)
		}
	}
	return out
}

func (s *State) marshal() (json.RawMessage, error) {
	return json.Marshal(s)
}

func unmarshalState(data json.RawMessage) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
