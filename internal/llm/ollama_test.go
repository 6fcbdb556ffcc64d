package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	offered := []string{"read_file", "write_file", "list_dir", "web_fetch"}
	tests := []struct {
		name       string
		content    string
		validTools []string // nil means offered
		wantCount  int
		wantName   string // First tool name if wantCount > 0
	}{
		{name: "empty content", content: "", wantCount: 0},
		{name: "whitespace only", content: "   \n\t  ", wantCount: 0},
		{name: "plain text no JSON", content: "The notes file is up to date.", wantCount: 0},
		{
			name:      "single tool call object",
			content:   `{"name": "read_file", "arguments": {"path": "notes.md"}}`,
			wantCount: 1,
			wantName:  "read_file",
		},
		{
			name:      "single tool call with whitespace",
			content:   `  {"name": "read_file", "arguments": {"path": "notes.md"}}  `,
			wantCount: 1,
			wantName:  "read_file",
		},
		{
			name:      "array of tool calls",
			content:   `[{"name": "read_file", "arguments": {"path": "notes.md"}}, {"name": "list_dir", "arguments": {}}]`,
			wantCount: 2,
			wantName:  "read_file",
		},
		{
			name:      "tagged tool call",
			content:   `<tool_call>{"name": "write_file", "arguments": {"path": "a.txt", "content": "hi"}}</tool_call>`,
			wantCount: 1,
			wantName:  "write_file",
		},
		{
			name:      "tagged tool call without closing tag",
			content:   `<tool_call>{"name": "read_file", "arguments": {"path": "todo.md"}}`,
			wantCount: 1,
			wantName:  "read_file",
		},
		{
			name:      "tagged with preamble",
			content:   `Let me check that for you. <tool_call>{"name": "read_file", "arguments": {"path": "notes.md"}}</tool_call>`,
			wantCount: 1,
			wantName:  "read_file",
		},
		{
			name:      "nested arguments",
			content:   `{"name": "web_fetch", "arguments": {"url": "https://example.com", "opts": {"maxChars": 500}}}`,
			wantCount: 1,
			wantName:  "web_fetch",
		},
		{name: "malformed JSON", content: `{"name": "read_file", "arguments": {`, wantCount: 0},
		{name: "JSON without name field", content: `{"foo": "bar", "arguments": {}}`, wantCount: 0},
		{name: "JSON with empty name", content: `{"name": "", "arguments": {}}`, wantCount: 0},
		{
			name:       "no tools offered",
			content:    `{"name": "read_file", "arguments": {"path": "notes.md"}}`,
			validTools: []string{},
			wantCount:  0,
		},
		{
			name:       "valid tool with validation",
			content:    `{"name": "read_file", "arguments": {"path": "notes.md"}}`,
			validTools: []string{"read_file", "write_file"},
			wantCount:  1,
			wantName:   "read_file",
		},
		{
			name:       "invalid tool rejected by validation",
			content:    `{"name": "format_disk", "arguments": {}}`,
			validTools: []string{"read_file", "write_file"},
			wantCount:  0,
		},
		{
			name:       "mixed valid/invalid in array",
			content:    `[{"name": "read_file", "arguments": {}}, {"name": "format_disk", "arguments": {}}]`,
			validTools: []string{"read_file", "write_file"},
			wantCount:  1,
			wantName:   "read_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid := tt.validTools
			if valid == nil {
				valid = offered
			}
			got := parseTextToolCalls(tt.content, valid)

			if len(got) != tt.wantCount {
				t.Fatalf("parseTextToolCalls() returned %d tools, want %d", len(got), tt.wantCount)
			}
			if tt.wantCount > 0 && got[0].Function.Name != tt.wantName {
				t.Errorf("parseTextToolCalls() first tool name = %q, want %q", got[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestParseTextToolCalls_Concatenated(t *testing.T) {
	content := `{"name": "online_search", "arguments": {"query": "warden release notes"}}{"name": "read_file", "arguments": {"path": "logs/log.txt"}}Here is what I found`
	calls := parseTextToolCalls(content, []string{"online_search", "read_file"})
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d (trailing text should be ignored)", len(calls))
	}
	if calls[1].Function.Arguments["path"] != "logs/log.txt" {
		t.Errorf("call[1] path = %v, want logs/log.txt", calls[1].Function.Arguments["path"])
	}
}

func TestParseTextToolCalls_BareName(t *testing.T) {
	valid := []string{"web_search", "read_file"}

	calls := parseTextToolCalls(`web_search {"query": "go 1.24 release"} I will look it up.`, valid)
	if len(calls) != 1 || calls[0].Function.Name != "web_search" {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].Function.Arguments["query"] != "go 1.24 release" {
		t.Errorf("query = %v", calls[0].Function.Arguments["query"])
	}

	if calls := parseTextToolCalls(`unknown_tool {"foo": "bar"}`, valid); len(calls) != 0 {
		t.Errorf("unknown bare name parsed: %+v", calls)
	}
	if calls := parseTextToolCalls(`web_search {"query": "x"}`, nil); len(calls) != 0 {
		t.Errorf("bare name parsed without a tool list: %+v", calls)
	}
}

func TestOllamaChat(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"qwen3:4b","created_at":"2026-03-01T10:00:00.123Z","message":{"role":"assistant","content":"hello"},"done":true,"prompt_eval_count":12,"eval_count":3,"total_duration":5000000}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL+"/", nil)
	temperature := 0.2
	resp, err := c.Chat(context.Background(), ChatRequest{
		Model:       "qwen3:4b",
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
		Tools:       []ToolDefinition{{Type: "function", Function: FunctionDefinition{Name: "now_time", Parameters: map[string]any{"type": "object"}}}},
		MaxTokens:   256,
		Temperature: &temperature,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got.Stream {
		t.Error("request asked for streaming")
	}
	if got.Options == nil || got.Options.NumPredict != 256 || got.Options.Temperature == nil || *got.Options.Temperature != 0.2 {
		t.Errorf("options = %+v", got.Options)
	}
	if len(got.Tools) != 1 || got.Tools[0].Function.Name != "now_time" {
		t.Errorf("tools = %+v", got.Tools)
	}

	if resp.Message.Content != "hello" || resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("response = %+v", resp)
	}
	if resp.TotalDuration.Milliseconds() != 5 {
		t.Errorf("TotalDuration = %v", resp.TotalDuration)
	}
	if resp.CreatedAt.IsZero() {
		t.Error("CreatedAt not decoded")
	}
}

func TestOllamaChat_TextToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"m","message":{"role":"assistant","content":"<tool_call>{\"name\":\"now_time\",\"arguments\":{}}</tool_call>"},"done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	resp, err := c.Chat(context.Background(), ChatRequest{
		Model: "m",
		Tools: []ToolDefinition{{Type: "function", Function: FunctionDefinition{Name: "now_time"}}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Name != "now_time" {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.Message.Content != "" {
		t.Errorf("content = %q, want cleared", resp.Message.Content)
	}
}

func TestOllamaChat_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model \"nope\" not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "nope"})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ProviderError", err)
	}
	if perr.StatusCode != http.StatusNotFound || !strings.Contains(perr.Body, "not found") {
		t.Errorf("ProviderError = %+v", perr)
	}

	if _, err := c.Chat(context.Background(), ChatRequest{}); !errors.Is(err, ErrEmptyModel) {
		t.Errorf("empty model error = %v, want ErrEmptyModel", err)
	}
}

func TestOllamaChat_Canceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewOllamaClient(srv.URL, nil)
	if _, err := c.Chat(ctx, ChatRequest{Model: "m"}); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"models":[{"name":"qwen3:4b"},{"name":"llama3.2:3b"}]}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	names, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(names) != 2 || names[0] != "qwen3:4b" {
		t.Errorf("names = %v", names)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestOllamaChat_Options(t *testing.T) {
	zero := 0.0
	tests := []struct {
		name string
		req  ChatRequest
		want string
	}{
		{"zero temperature is sent", ChatRequest{Temperature: &zero}, `"options":{"temperature":0}`},
		{"unset temperature is omitted", ChatRequest{MaxTokens: 64}, `"options":{"num_predict":64}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				data, _ := io.ReadAll(r.Body)
				body = string(data)
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"model":"m","message":{"role":"assistant","content":"ok"},"done":true}`))
			}))
			defer srv.Close()

			tt.req.Model = "m"
			tt.req.Messages = []Message{{Role: RoleUser, Content: "hi"}}
			if _, err := NewOllamaClient(srv.URL, nil).Chat(context.Background(), tt.req); err != nil {
				t.Fatalf("Chat: %v", err)
			}
			if !strings.Contains(body, tt.want) {
				t.Errorf("request body %s lacks %s", body, tt.want)
			}
		})
	}
}
