package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"omnicontact/internal/domain"
)

func TestParseBackend(t *testing.T) {
	cases := map[string]Backend{
		"openai":    BackendOpenAI,
		"OpenAI":    BackendOpenAI,
		"anthropic": BackendAnthropic,
		"claude":    BackendAnthropic,
	}
	for in, want := range cases {
		got, err := ParseBackend(in)
		if err != nil || got != want {
			t.Errorf("ParseBackend(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseBackend("sk-ant-123"); err == nil {
		t.Fatal("expected an API key to be rejected as a backend name")
	}
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(BackendOpenAI, Config{}); err == nil {
		t.Fatal("expected missing key error")
	}
	p, err := New(BackendAnthropic, Config{APIKey: "k", Model: "claude-x"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "anthropic" || p.Model() != "claude-x" {
		t.Fatalf("unexpected provider %s/%s", p.Name(), p.Model())
	}
}

var searchTool = domain.ToolDefinition{
	Name:        "search_knowledge",
	Description: "Search the knowledge base",
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
		"required":   []string{"query"},
	},
}

func TestOpenAI_ChatWithToolCalls(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "search_knowledge", "arguments": "{\"query\":\"opening hours\"}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Logger: testLogger()})
	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "When are you open?"},
		},
		Tools: []domain.ToolDefinition{searchTool},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.HasToolCalls() || resp.ToolCalls[0].Name != "search_knowledge" {
		t.Fatalf("expected search_knowledge call, got %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["query"] != "opening hours" {
		t.Fatalf("unexpected arguments %v", resp.ToolCalls[0].Arguments)
	}
	if resp.Usage.TotalTokens != 17 || resp.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected usage/model %+v %q", resp.Usage, resp.Model)
	}
	tools, _ := got["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected tool definitions in request, got %v", got["tools"])
	}
}

func TestOpenAI_HTTPErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1", Logger: testLogger()})
	if _, err := p.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestClaude_ChatSendsToolResultsInOneTurn(t *testing.T) {
	var got claudeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" || r.Header.Get("x-api-key") != "ak" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{
			"model": "claude-test",
			"stop_reason": "end_turn",
			"content": [{"type": "text", "text": "We open at "}, {"type": "text", "text": "9am."}],
			"usage": {"input_tokens": 20, "output_tokens": 4}
		}`))
	}))
	defer srv.Close()

	c := NewClaude(ClaudeConfig{APIKey: "ak", BaseURL: srv.URL + "/v1", Logger: testLogger()})
	resp, err := c.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "persona"},
			{Role: domain.RoleUser, Content: "hours? and book me"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
				{ID: "tu_1", Name: "search_knowledge", Arguments: map[string]any{"query": "hours"}},
				{ID: "tu_2", Name: "check_availability", Arguments: map[string]any{"date": "2026-10-20"}},
			}},
			{Role: domain.RoleTool, ToolCallID: "tu_1", Content: "9 to 5"},
			{Role: domain.RoleTool, ToolCallID: "tu_2", Content: "10:00 free"},
		},
		Tools: []domain.ToolDefinition{searchTool},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "We open at 9am." || resp.Usage.TotalTokens != 24 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got.System != "persona" || got.MaxTokens != defaultMaxTokens {
		t.Fatalf("unexpected system/max_tokens %q %d", got.System, got.MaxTokens)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("expected user, assistant, user(tool results); got %d messages", len(got.Messages))
	}
	results, _ := got.Messages[2].Content.([]any)
	if got.Messages[2].Role != "user" || len(results) != 2 {
		t.Fatalf("expected both tool results in one user turn, got %+v", got.Messages[2])
	}
}

func TestClaude_ParsesToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"stop_reason": "tool_use",
			"content": [{"type": "tool_use", "id": "tu_9", "name": "transfer_to_human", "input": {"reason": "angry"}}]
		}`))
	}))
	defer srv.Close()

	c := NewClaude(ClaudeConfig{APIKey: "ak", BaseURL: srv.URL, Model: "claude-m", Logger: testLogger()})
	resp, err := c.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "agent!"}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["reason"] != "angry" {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.Model != "claude-m" {
		t.Fatalf("expected configured model fallback, got %q", resp.Model)
	}
}

func TestClaude_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate"}`))
	}))
	defer srv.Close()

	c := NewClaude(ClaudeConfig{APIKey: "ak", BaseURL: srv.URL, Logger: testLogger()})
	_, err := c.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "x"}}})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected 429 error, got %v", err)
	}
}
