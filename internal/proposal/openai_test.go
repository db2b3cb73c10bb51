package proposal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nidhogg/converge/internal/workflow"
	"go.uber.org/zap"
)

func completion(content string) map[string]any {
	return map[string]any{
		"id": "cmpl-1",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	}
}

func TestGenerate(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(completion(
			`{"proposal":{"assignments":{"/src/api":["own the endpoint"]}},"rationale":"r","risks":["x"],"questions_for_hitl":["which auth?"]}`))
	}))
	defer srv.Close()

	g, err := New(Config{Endpoint: srv.URL + "/", APIKey: "sk-test"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	p, err := g.Generate(context.Background(), "audit", []workflow.RepoInfo{{Path: "/src/api", Kind: "go", Exists: true}})
	if err != nil {
		t.Fatal(err)
	}
	if p.Source != "llm" || p.Assignments["/src/api"][0] != "own the endpoint" {
		t.Errorf("unexpected proposal %+v", p)
	}
	if len(p.Questions) != 1 || p.Questions[0] != "which auth?" {
		t.Errorf("unexpected questions %v", p.Questions)
	}
	if got.Model != DefaultModel || got.ResponseFormat["type"] != "json_object" {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, _ *http.Request) { http.Error(w, "quota", http.StatusTooManyRequests) }},
		{"no choices", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"choices":[]}`)) }},
		{"not json", func(w http.ResponseWriter, _ *http.Request) { _ = json.NewEncoder(w).Encode(completion("sure thing")) }},
		{"no assignments", func(w http.ResponseWriter, _ *http.Request) { _ = json.NewEncoder(w).Encode(completion(`{"rationale":"r"}`)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			g, _ := New(Config{Endpoint: srv.URL, APIKey: "k"}, zap.NewNop())
			if _, err := g.Generate(context.Background(), "g", nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Config{}, zap.NewNop()); err == nil {
		t.Error("expected error without api key")
	}
}
