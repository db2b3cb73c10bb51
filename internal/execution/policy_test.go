package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestPolicyFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		mode      Mode
		tty       bool
		clean     bool
		branch    bool
		allowlist int
	}{
		{"defaults", nil, ModePlan, false, true, true, len(DefaultAllowlist())},
		{"interactive", map[string]string{"CONVERGE_EXECUTION_MODE": "Interactive"}, ModeInteractive, true, true, true, len(DefaultAllowlist())},
		{"headless", map[string]string{"CONVERGE_EXECUTION_MODE": "headless"}, ModeHeadless, false, true, true, len(DefaultAllowlist())},
		{"unknown mode", map[string]string{"CONVERGE_EXECUTION_MODE": "yolo"}, ModePlan, false, true, true, len(DefaultAllowlist())},
		{"custom allowlist", map[string]string{"CONVERGE_ALLOWLISTED_CMDS": "make, go test ,"}, ModePlan, false, true, true, 2},
		{"git flags off", map[string]string{"CONVERGE_REQUIRE_GIT_CLEAN": "false", "CONVERGE_CREATE_BRANCH": "no"}, ModePlan, false, false, false, len(DefaultAllowlist())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PolicyFromEnv(envOf(tt.env))
			if p.Mode != tt.mode || p.RequireTTY != tt.tty {
				t.Errorf("mode=%s tty=%v, want %s %v", p.Mode, p.RequireTTY, tt.mode, tt.tty)
			}
			if p.RequireCleanWorkingTree != tt.clean || p.CreateBranch != tt.branch {
				t.Errorf("clean=%v branch=%v, want %v %v", p.RequireCleanWorkingTree, p.CreateBranch, tt.clean, tt.branch)
			}
			if len(p.AllowlistedCommands) != tt.allowlist {
				t.Errorf("allowlist %v, want %d entries", p.AllowlistedCommands, tt.allowlist)
			}
		})
	}
}

func TestIsCommandAllowed(t *testing.T) {
	p := Policy{AllowlistedCommands: []string{"git", "npm", "go", "pip install"}}
	cases := map[string]bool{
		"git status --porcelain": true,
		"  NPM test":             true,
		"go":                     true,
		"go\ttest ./...":         true,
		"gofmt -w .":             false,
		"gitk":                   false,
		"npmx run":               false,
		"pip  install -e .":      true,
		"pip uninstall x":        false,
		"rm -rf /":               false,
		"":                       false,
	}
	for cmd, want := range cases {
		if got := p.IsCommandAllowed(cmd); got != want {
			t.Errorf("IsCommandAllowed(%q) = %v, want %v", cmd, got, want)
		}
	}
	if (Policy{}).IsCommandAllowed("git status") {
		t.Error("empty allow-list must allow nothing")
	}
}

func TestAllowsMutation(t *testing.T) {
	if DefaultPolicy().AllowsMutation() {
		t.Error("plan mode must not allow mutation")
	}
	if !(Policy{Mode: ModeHeadless}).AllowsMutation() {
		t.Error("headless mode should allow mutation")
	}
}

func TestBranchName(t *testing.T) {
	if got := (Policy{}).BranchName("abc"); got != "converge/abc" {
		t.Errorf("got %q", got)
	}
	if got := (Policy{BranchPrefix: "bot/"}).BranchName("abc"); got != "bot/abc" {
		t.Errorf("got %q", got)
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Errorf("default policy invalid: %v", err)
	}
	if err := (Policy{Mode: "nope"}).Validate(); err == nil {
		t.Error("expected error for unknown mode")
	}
	if err := (Policy{Mode: ModeHeadless, RequireTTY: true}).Validate(); err == nil {
		t.Error("expected error for headless with tty")
	}
}

func TestExecRunnerRefusesUnlistedCommand(t *testing.T) {
	r := NewExecRunner(Policy{AllowlistedCommands: []string{"git"}}, time.Second, zap.NewNop())
	_, err := r.Run(context.Background(), t.TempDir(), "rm", "-rf", ".")
	if !errors.Is(err, ErrCommandNotAllowed) {
		t.Fatalf("expected ErrCommandNotAllowed, got %v", err)
	}
	// A binary that merely shares the prefix is a different command.
	_, err = r.Run(context.Background(), t.TempDir(), "gitk", "--all")
	if !errors.Is(err, ErrCommandNotAllowed) {
		t.Fatalf("expected gitk to be refused, got %v", err)
	}
}
