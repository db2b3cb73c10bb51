package task

import (
	"fmt"
	"strings"
	"time"
)

// DefaultProjectID is the id of the lazily created fallback project.
const DefaultProjectID = "default"

type PlanningStrategy string

const (
	StrategyExtendExisting    PlanningStrategy = "extend_existing"
	StrategyBestPracticeFirst PlanningStrategy = "best_practice_first"
)

type HITLTriggerMode string

const (
	TriggerBlockersOnly HITLTriggerMode = "blockers_only"
	TriggerStrict       HITLTriggerMode = "strict"
)

type ExecutionFlow string

const (
	FlowPlanThenExecute ExecutionFlow = "plan_then_execute"
	FlowPlanAndExecute  ExecutionFlow = "plan_and_execute"
)

// Preferences shape planning and HITL behavior for every task in a project.
type Preferences struct {
	PlanningStrategy                 PlanningStrategy `json:"planning_strategy"`
	HITLTriggerMode                  HITLTriggerMode  `json:"hitl_trigger_mode"`
	MaxHITLQuestions                 int              `json:"max_hitl_questions"`
	ExecutionFlow                    ExecutionFlow    `json:"execution_flow"`
	AllowCustomInstructionsAfterPlan bool             `json:"allow_custom_instructions_after_plan"`
	EnforceExistingPatterns          bool             `json:"enforce_existing_patterns"`
	PreferMinimalChanges             bool             `json:"prefer_minimal_changes"`
	RequireBestPracticeAlignment     bool             `json:"require_best_practice_alignment"`
	PromptPreamble                   string           `json:"prompt_preamble,omitempty"`
}

// DefaultPreferences returns the preferences applied to new projects.
func DefaultPreferences() Preferences {
	return Preferences{
		PlanningStrategy:                 StrategyExtendExisting,
		HITLTriggerMode:                  TriggerBlockersOnly,
		MaxHITLQuestions:                 2,
		ExecutionFlow:                    FlowPlanThenExecute,
		AllowCustomInstructionsAfterPlan: true,
		EnforceExistingPatterns:          true,
		PreferMinimalChanges:             true,
	}
}

func (p Preferences) Validate() error {
	switch p.PlanningStrategy {
	case StrategyExtendExisting, StrategyBestPracticeFirst:
	default:
		return &ValidationError{Field: "planning_strategy", Reason: fmt.Sprintf("unknown strategy %q", p.PlanningStrategy)}
	}
	switch p.HITLTriggerMode {
	case TriggerBlockersOnly, TriggerStrict:
	default:
		return &ValidationError{Field: "hitl_trigger_mode", Reason: fmt.Sprintf("unknown mode %q", p.HITLTriggerMode)}
	}
	switch p.ExecutionFlow {
	case FlowPlanThenExecute, FlowPlanAndExecute:
	default:
		return &ValidationError{Field: "execution_flow", Reason: fmt.Sprintf("unknown flow %q", p.ExecutionFlow)}
	}
	if p.MaxHITLQuestions < 0 || p.MaxHITLQuestions > 10 {
		return &ValidationError{Field: "max_hitl_questions", Reason: "max_hitl_questions must be between 0 and 10"}
	}
	return nil
}

// Project groups default repositories, instructions and preferences.
type Project struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	Description         string      `json:"description,omitempty"`
	DefaultRepos        []string    `json:"default_repos"`
	DefaultInstructions string      `json:"default_instructions,omitempty"`
	Preferences         Preferences `json:"preferences"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

func (p *Project) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Reason: "project name cannot be empty"}
	}
	return p.Preferences.Validate()
}

// Clone returns a deep copy of p.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.DefaultRepos = append([]string(nil), p.DefaultRepos...)
	return &c
}

// ProjectUpdate is a partial update; nil fields are left untouched.
type ProjectUpdate struct {
	Name                *string      `json:"name,omitempty"`
	Description         *string      `json:"description,omitempty"`
	DefaultRepos        []string     `json:"default_repos,omitempty"`
	DefaultInstructions *string      `json:"default_instructions,omitempty"`
	Preferences         *Preferences `json:"preferences,omitempty"`
}

// Apply mutates p in place and re-validates it.
func (u ProjectUpdate) Apply(p *Project) error {
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.DefaultRepos != nil {
		p.DefaultRepos = append([]string(nil), u.DefaultRepos...)
	}
	if u.DefaultInstructions != nil {
		p.DefaultInstructions = *u.DefaultInstructions
	}
	if u.Preferences != nil {
		p.Preferences = *u.Preferences
	}
	return p.Validate()
}

// MergeInstructions joins project defaults and per-task instructions.
func MergeInstructions(defaults, custom string) string {
	defaults = strings.TrimSpace(defaults)
	custom = strings.TrimSpace(custom)
	switch {
	case defaults != "" && custom != "":
		return defaults + "\n\n" + custom
	case custom != "":
		return custom
	default:
		return defaults
	}
}
