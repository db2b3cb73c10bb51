// Package proposal asks an OpenAI-compatible chat completions endpoint for a
// responsibility split across the target repositories.
package proposal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nidhogg/converge/internal/workflow"
	"go.uber.org/zap"
)

const DefaultModel = "gpt-4o-mini"

const systemPrompt = "Return JSON only with keys: proposal, rationale, risks, questions_for_hitl. " +
	"proposal.assignments maps each repository path to a list of responsibilities."

type Config struct {
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"api_key"`
	Model    string        `json:"model"`
	Timeout  time.Duration `json:"timeout"`
}

// Generator implements workflow.ProposalGenerator. Errors are returned to
// the engine, which falls back to the heuristic split.
type Generator struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("proposal generator needs an api key")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Generator{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, logger: logger}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []message      `json:"messages"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

type repoSummary struct {
	Path     string   `json:"path"`
	RepoType string   `json:"repo_type"`
	Exists   bool     `json:"exists"`
	Signals  []string `json:"signals"`
}

type llmProposal struct {
	Proposal struct {
		Assignments map[string][]string `json:"assignments"`
	} `json:"proposal"`
	Rationale string   `json:"rationale"`
	Risks     []string `json:"risks"`
	Questions []string `json:"questions_for_hitl"`
}

func (g *Generator) Generate(ctx context.Context, goal string, repos []workflow.RepoInfo) (*workflow.Proposal, error) {
	summaries := make([]repoSummary, len(repos))
	for i, r := range repos {
		summaries[i] = repoSummary{Path: r.Path, RepoType: r.Kind, Exists: r.Exists, Signals: r.Signals}
	}
	user, err := json.Marshal(map[string]any{"goal": goal, "repo_summaries": summaries})
	if err != nil {
		return nil, fmt.Errorf("marshal prompt: %w", err)
	}

	content, err := g.chat(ctx, chatRequest{
		Model: g.cfg.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(user)},
		},
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return nil, err
	}

	var parsed llmProposal
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	if len(parsed.Proposal.Assignments) == 0 {
		return nil, errors.New("proposal has no assignments")
	}
	g.logger.Debug("llm proposal received", zap.Int("repos", len(parsed.Proposal.Assignments)))
	return &workflow.Proposal{
		Assignments: parsed.Proposal.Assignments,
		Rationale:   parsed.Rationale,
		Risks:       parsed.Risks,
		Questions:   parsed.Questions,
		Source:      "llm",
	}, nil
}

func (g *Generator) chat(ctx context.Context, req chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cfg.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("empty response from provider")
	}
	return out.Choices[0].Message.Content, nil
}
