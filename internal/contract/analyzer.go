package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nidhogg/converge/internal/workflow"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// contractFiles are looked up at each repository root; the first hit wins.
var contractFiles = []string{"api-contract.json", "api-contract.yaml", "api-contract.yml"}

type Analyzer struct {
	logger *zap.Logger
}

func NewAnalyzer(logger *zap.Logger) *Analyzer {
	return &Analyzer{logger: logger}
}

type located struct {
	repo     string
	contract ApiContract
}

// Analyze loads the contract of every repository and diffs each contract
// against the first repository that publishes the same contract name.
// An unreadable contract file is reported as an issue, not an error.
func (a *Analyzer) Analyze(ctx context.Context, repoPaths []string) (workflow.ContractReport, error) {
	report := workflow.ContractReport{Issues: []string{}, Summaries: []string{}}
	byName := map[string][]located{}
	var names []string

	for _, repo := range repoPaths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		c, file, err := Load(repo)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			report.Summaries = append(report.Summaries, repo+": no api contract")
			continue
		case err != nil:
			a.logger.Warn("unreadable api contract", zap.String("repo", repo), zap.Error(err))
			report.Issues = append(report.Issues, fmt.Sprintf("%s: unreadable contract %s: %v", repo, file, err))
			continue
		}
		report.Summaries = append(report.Summaries,
			fmt.Sprintf("%s: %s@%s with %d endpoint(s)", repo, c.Name, c.Version, len(c.Endpoints)))
		if _, seen := byName[c.Name]; !seen {
			names = append(names, c.Name)
		}
		byName[c.Name] = append(byName[c.Name], located{repo: repo, contract: c})
	}

	for _, name := range names {
		group := byName[name]
		base := group[0]
		for _, other := range group[1:] {
			for _, issue := range Compare(base.contract, other.contract).Issues() {
				report.Issues = append(report.Issues,
					fmt.Sprintf("%s (%s -> %s): %s", name, base.repo, other.repo, issue))
			}
		}
	}
	return report, nil
}

// Load reads the contract published at repo's root. It returns an error
// matching fs.ErrNotExist when the repository publishes none.
func Load(repo string) (ApiContract, string, error) {
	for _, name := range contractFiles {
		path := filepath.Join(repo, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return ApiContract{}, name, err
		}
		c, err := Parse(data, strings.HasSuffix(name, ".json"))
		if err != nil {
			return ApiContract{}, name, err
		}
		if c.Name == "" {
			c.Name = filepath.Base(repo)
		}
		return c, name, nil
	}
	return ApiContract{}, "", fs.ErrNotExist
}

func Parse(data []byte, isJSON bool) (ApiContract, error) {
	var c ApiContract
	var err error
	if isJSON {
		err = json.Unmarshal(data, &c)
	} else {
		err = yaml.Unmarshal(data, &c)
	}
	if err != nil {
		return ApiContract{}, fmt.Errorf("parse contract: %w", err)
	}
	return c, nil
}
