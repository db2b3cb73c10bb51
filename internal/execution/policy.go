// Package execution holds the policy that gates any mutating action
// against a repository, and the allow-listed command runner that
// collaborators use for git plumbing.
package execution

import (
	"fmt"
	"os"
	"strings"
)

type Mode string

const (
	ModePlan        Mode = "plan"
	ModeInteractive Mode = "interactive"
	ModeHeadless    Mode = "headless"
)

// DefaultBranchPrefix is used when a policy asks for a branch but names no
// prefix.
const DefaultBranchPrefix = "converge/"

// Policy governs whether a downstream executor may change a repository.
type Policy struct {
	Mode                    Mode     `json:"mode"`
	RequireTTY              bool     `json:"require_tty"`
	AllowlistedCommands     []string `json:"allowlisted_commands"`
	RequireCleanWorkingTree bool     `json:"require_clean_working_tree"`
	CreateBranch            bool     `json:"create_branch"`
	BranchPrefix            string   `json:"branch_prefix"`
}

// DefaultAllowlist returns the command prefixes allowed when none are
// configured.
func DefaultAllowlist() []string {
	return []string{"pytest", "ruff", "python", "pip", "npm", "pnpm", "yarn", "git", "go"}
}

// DefaultPolicy is plan-only with the default allow-list and git safety on.
func DefaultPolicy() Policy {
	return Policy{
		Mode:                    ModePlan,
		AllowlistedCommands:     DefaultAllowlist(),
		RequireCleanWorkingTree: true,
		CreateBranch:            true,
		BranchPrefix:            DefaultBranchPrefix,
	}
}

// ParseMode maps a configured mode name onto a Mode. Anything unrecognised
// is plan-only.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeInteractive:
		return ModeInteractive
	case ModeHeadless:
		return ModeHeadless
	default:
		return ModePlan
	}
}

// PolicyFromEnv builds a policy from CONVERGE_EXECUTION_MODE,
// CONVERGE_ALLOWLISTED_CMDS, CONVERGE_REQUIRE_GIT_CLEAN and
// CONVERGE_CREATE_BRANCH. A nil lookup reads the process environment.
func PolicyFromEnv(lookup func(string) (string, bool)) Policy {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key, def string) string {
		if v, ok := lookup(key); ok {
			return v
		}
		return def
	}

	p := DefaultPolicy()
	p.Mode = ParseMode(get("CONVERGE_EXECUTION_MODE", "plan"))
	p.RequireTTY = p.Mode == ModeInteractive

	if raw := get("CONVERGE_ALLOWLISTED_CMDS", ""); strings.TrimSpace(raw) != "" {
		p.AllowlistedCommands = splitList(raw)
	}
	p.RequireCleanWorkingTree = strings.EqualFold(strings.TrimSpace(get("CONVERGE_REQUIRE_GIT_CLEAN", "true")), "true")
	p.CreateBranch = strings.EqualFold(strings.TrimSpace(get("CONVERGE_CREATE_BRANCH", "true")), "true")
	return p
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsCommandAllowed reports whether command begins with an allow-listed
// prefix on a word boundary, so "go" admits "go test" but not "gofmt".
// An empty allow-list allows nothing.
func (p Policy) IsCommandAllowed(command string) bool {
	cmd := normalizeCommand(command)
	if cmd == "" {
		return false
	}
	for _, prefix := range p.AllowlistedCommands {
		prefix = normalizeCommand(prefix)
		if prefix == "" {
			continue
		}
		if cmd == prefix || strings.HasPrefix(cmd, prefix+" ") {
			return true
		}
	}
	return false
}

func normalizeCommand(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// AllowsMutation reports whether the policy lets an executor change files.
func (p Policy) AllowsMutation() bool {
	return p.Mode == ModeInteractive || p.Mode == ModeHeadless
}

// BranchName returns the branch an executor should create for runID.
func (p Policy) BranchName(runID string) string {
	prefix := p.BranchPrefix
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	return prefix + runID
}

func (p Policy) Validate() error {
	switch p.Mode {
	case ModePlan, ModeInteractive, ModeHeadless:
	default:
		return fmt.Errorf("unknown execution mode %q", p.Mode)
	}
	if p.RequireTTY && p.Mode == ModeHeadless {
		return fmt.Errorf("headless execution cannot require a tty")
	}
	return nil
}
