// Package artifact writes the output bundle of a workflow run.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nidhogg/converge/internal/workflow"
	"go.uber.org/zap"
)

const (
	ReportFile = "report.md"
	RunFile    = "run.json"
)

// ErrInvalidRunID is returned for run ids that are not a single safe path
// segment.
var ErrInvalidRunID = errors.New("invalid run id")

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Writer lays runs out as <root>/runs/<run id>/.
type Writer struct {
	root   string
	logger *zap.Logger
}

func NewWriter(root string, logger *zap.Logger) *Writer {
	if root == "" {
		root = ".converge"
	}
	return &Writer{root: root, logger: logger}
}

// RunDir returns the directory of runID without creating it.
func (w *Writer) RunDir(runID string) (string, error) {
	if !runIDPattern.MatchString(runID) || runID == "." || runID == ".." {
		return "", fmt.Errorf("%w %q", ErrInvalidRunID, runID)
	}
	return filepath.Join(w.root, "runs", runID), nil
}

func (w *Writer) Write(ctx context.Context, st *workflow.State) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := w.RunDir(st.RunID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}

	// run.json records its own directory.
	snapshot := *st
	snapshot.ArtifactsDir = dir
	data, err := json.MarshalIndent(&snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode run: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, RunFile), data); err != nil {
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(dir, ReportFile), []byte(Report(&snapshot))); err != nil {
		return "", err
	}
	w.logger.Info("wrote run artifacts", zap.String("task", st.RunID), zap.String("dir", dir))
	return dir, nil
}

// ReadRun loads run.json of a previous run.
func (w *Writer) ReadRun(runID string) (*workflow.State, error) {
	dir, err := w.RunDir(runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, RunFile))
	if err != nil {
		return nil, err
	}
	var st workflow.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &st, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Report renders the human-readable markdown report.
func Report(st *workflow.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Convergence report\n\n")
	fmt.Fprintf(&b, "- Goal: %s\n", st.Goal)
	fmt.Fprintf(&b, "- Status: %s\n", st.Status)
	if st.StatusReason != "" {
		fmt.Fprintf(&b, "- Reason: %s\n", st.StatusReason)
	}
	fmt.Fprintf(&b, "- Rounds: %d/%d\n", st.Round, st.MaxRounds)
	fmt.Fprintf(&b, "- HITL mode: %s\n", st.Mode)
	fmt.Fprintf(&b, "- Agent provider: %s\n", st.AgentProvider)

	b.WriteString("\n## Repositories\n\n")
	for _, r := range st.Repos {
		state := "missing"
		if r.Exists {
			state = r.Kind
		}
		fmt.Fprintf(&b, "- `%s` (%s)", r.Path, state)
		if len(r.Signals) > 0 {
			fmt.Fprintf(&b, ": %s", strings.Join(r.Signals, ", "))
		}
		b.WriteString("\n")
		for _, c := range r.Constraints {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}

	if p := st.Proposal; p != nil {
		fmt.Fprintf(&b, "\n## Responsibility split (%s)\n\n", p.Source)
		if p.Rationale != "" {
			fmt.Fprintf(&b, "%s\n\n", p.Rationale)
		}
		for _, r := range st.Repos {
			for _, a := range p.Assignments[r.Path] {
				fmt.Fprintf(&b, "- `%s`: %s\n", r.Path, a)
			}
		}
		for _, risk := range p.Risks {
			fmt.Fprintf(&b, "- Risk: %s\n", risk)
		}
	}

	if len(st.Plans) > 0 {
		b.WriteString("\n## Repository plans\n")
		for _, p := range st.Plans {
			fmt.Fprintf(&b, "\n### %s [%s]\n\n%s\n", p.Repo, p.Status, p.Summary)
			for _, c := range p.ProposedChanges {
				fmt.Fprintf(&b, "- %s\n", c)
			}
		}
	}

	if st.Contract != nil && len(st.Contract.Issues) > 0 {
		b.WriteString("\n## Contract issues\n\n")
		for _, is := range st.Contract.Issues {
			fmt.Fprintf(&b, "- %s\n", is)
		}
	}

	if len(st.Questions) > 0 {
		b.WriteString("\n## Questions for a human\n\n")
		for i, q := range st.Questions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, q)
		}
	}

	if st.HumanDecision != nil {
		decision, _ := json.Marshal(st.HumanDecision)
		fmt.Fprintf(&b, "\n## Human decision\n\n```json\n%s\n```\n", decision)
	}

	b.WriteString("\n## Event log\n\n")
	for _, ev := range st.Events {
		fmt.Fprintf(&b, "- [round %d] %s: %s\n", ev.Round, ev.Node, ev.Message)
	}
	return b.String()
}
