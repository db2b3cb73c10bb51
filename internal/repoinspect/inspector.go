// Package repoinspect discovers what a target repository is made of.
package repoinspect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/nidhogg/converge/internal/execution"
	"github.com/nidhogg/converge/internal/workflow"
	"go.uber.org/zap"
)

// signalFiles are checked at the repository root, in this order.
var signalFiles = []string{
	"go.mod",
	"package.json",
	"pyproject.toml",
	"requirements.txt",
	"Cargo.toml",
	"pom.xml",
	"build.gradle",
	"Dockerfile",
	"Makefile",
	"AGENTS.md",
	"api-contract.json",
	"api-contract.yaml",
	"api-contract.yml",
}

var readmeNames = []string{"README.md", "README", "readme.md", "README.rst"}

const readmeExcerptRunes = 500

type Inspector struct {
	runner execution.Runner
	logger *zap.Logger
}

// New returns an inspector. A nil runner skips git constraints.
func New(runner execution.Runner, logger *zap.Logger) *Inspector {
	return &Inspector{runner: runner, logger: logger}
}

func (i *Inspector) Inspect(ctx context.Context, path string) (workflow.RepoInfo, error) {
	info := workflow.RepoInfo{Path: path, Kind: "unknown", Signals: []string{}, Constraints: []string{}}

	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("stat repository: %w", err)
	}
	if !st.IsDir() {
		info.Constraints = append(info.Constraints, "path is a file, not a directory")
		return info, nil
	}
	info.Exists = true

	for _, name := range signalFiles {
		if fileExists(filepath.Join(path, name)) {
			info.Signals = append(info.Signals, name)
		}
	}
	info.Kind = Classify(info.Signals)
	info.ReadmeExcerpt = readmeExcerpt(path)
	info.Constraints = append(info.Constraints, i.gitConstraints(ctx, path)...)
	return info, nil
}

// Classify maps discovered signals onto a coarse repository kind.
func Classify(signals []string) string {
	has := make(map[string]bool, len(signals))
	for _, s := range signals {
		has[s] = true
	}
	switch {
	case has["pyproject.toml"] || has["requirements.txt"]:
		return "python"
	case has["package.json"]:
		return "node"
	case has["go.mod"]:
		return "go"
	default:
		return "unknown"
	}
}

func (i *Inspector) gitConstraints(ctx context.Context, path string) []string {
	if !fileExists(filepath.Join(path, ".git")) {
		return []string{"not a git repository"}
	}
	if i.runner == nil {
		return nil
	}
	var out []string
	if branch, err := i.runner.Run(ctx, path, "git", "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		out = append(out, "git branch: "+strings.TrimSpace(branch))
	} else {
		i.logger.Debug("git branch lookup failed", zap.String("repo", path), zap.Error(err))
	}
	if status, err := i.runner.Run(ctx, path, "git", "status", "--porcelain"); err == nil {
		if strings.TrimSpace(status) != "" {
			out = append(out, "working tree has uncommitted changes")
		}
	} else {
		i.logger.Debug("git status failed", zap.String("repo", path), zap.Error(err))
	}
	return out
}

func readmeExcerpt(path string) string {
	for _, name := range readmeNames {
		data, err := os.ReadFile(filepath.Join(path, name))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(data))
		if utf8.RuneCountInString(text) > readmeExcerptRunes {
			text = string([]rune(text)[:readmeExcerptRunes])
		}
		return text
	}
	return ""
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
