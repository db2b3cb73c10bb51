package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrCommandNotAllowed is returned for a command outside the allow-list.
var ErrCommandNotAllowed = errors.New("command not allowed by execution policy")

// Runner runs one command in a working directory and returns its stdout.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ExecRunner runs allow-listed commands as subprocesses.
type ExecRunner struct {
	policy  Policy
	timeout time.Duration
	logger  *zap.Logger
}

func NewExecRunner(policy Policy, timeout time.Duration, logger *zap.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExecRunner{policy: policy, timeout: timeout, logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	if !r.policy.IsCommandAllowed(line) {
		return "", fmt.Errorf("%q: %w", line, ErrCommandNotAllowed)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		r.logger.Debug("command failed",
			zap.String("cmd", line), zap.String("dir", dir), zap.String("stderr", stderr.String()))
		return "", fmt.Errorf("run %s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
