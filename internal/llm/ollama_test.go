package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("Complete must not stream")
		}
		if len(req.Tools) != 1 {
			t.Errorf("tools len = %d, want 1", len(req.Tools))
		}

		json.NewEncoder(w).Encode(map[string]any{
			"model": "qwen3:4b",
			"message": map[string]any{
				"role": "assistant",
				"tool_calls": []map[string]any{
					{"function": map[string]any{
						"name":      "read_file",
						"arguments": map[string]any{"path": "notes.md"},
					}},
				},
			},
			"done":              true,
			"prompt_eval_count": 10,
			"eval_count":        5,
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	resp, err := c.Complete(context.Background(), "qwen3:4b",
		[]Message{{Role: "user", Content: "read my notes"}},
		[]map[string]any{{"type": "function"}})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.Name != "read_file" {
		t.Errorf("tool name = %q, want read_file", tc.Name)
	}
	if !reflect.DeepEqual(tc.Arguments, map[string]any{"path": "notes.md"}) {
		t.Errorf("arguments = %v", tc.Arguments)
	}
	if tc.ID == "" {
		t.Error("tool call id not synthesized")
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 10/5", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaCompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("CompleteStream with callback must stream")
		}

		enc := json.NewEncoder(w)
		enc.Encode(map[string]any{"model": "m", "message": map[string]any{"role": "assistant", "content": "Hel"}, "done": false})
		enc.Encode(map[string]any{"model": "m", "message": map[string]any{"role": "assistant", "content": "lo"}, "done": false})
		enc.Encode(map[string]any{"model": "m", "message": map[string]any{"role": "assistant", "content": ""}, "done": true, "eval_count": 2})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	var tokens []string
	resp, err := c.CompleteStream(context.Background(), "m",
		[]Message{{Role: "user", Content: "hi"}}, nil,
		func(tok string) { tokens = append(tokens, tok) })
	if err != nil {
		t.Fatalf("CompleteStream() error: %v", err)
	}

	if got := strings.Join(tokens, ""); got != "Hello" {
		t.Errorf("streamed tokens = %q, want Hello", got)
	}
	if resp.Message.Content != "Hello" {
		t.Errorf("final content = %q, want Hello", resp.Message.Content)
	}
	if resp.OutputTokens != 2 {
		t.Errorf("output tokens = %d, want 2", resp.OutputTokens)
	}
}

func TestOllamaAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	_, err := c.Complete(context.Background(), "nope", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("Complete() error = %v, want status in message", err)
	}
}

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []ToolCall
	}{
		{
			name:    "raw object",
			content: `{"name": "get_weather", "arguments": {"city": "Austin"}}`,
			want:    []ToolCall{{Name: "get_weather", Arguments: map[string]any{"city": "Austin"}}},
		},
		{
			name:    "array",
			content: `[{"name": "a", "arguments": {}}, {"name": "b", "arguments": {}}]`,
			want: []ToolCall{
				{Name: "a", Arguments: map[string]any{}},
				{Name: "b", Arguments: map[string]any{}},
			},
		},
		{
			name:    "tool_call tags",
			content: "<tool_call>\n{\"name\": \"search\", \"arguments\": {\"q\": \"go\"}}\n</tool_call>",
			want:    []ToolCall{{Name: "search", Arguments: map[string]any{"q": "go"}}},
		},
		{
			name:    "plain prose",
			content: "The weather in Austin is sunny.",
			want:    nil,
		},
		{
			name:    "json without name",
			content: `{"city": "Austin"}`,
			want:    nil,
		},
		{
			name:    "empty",
			content: "",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseTextToolCalls() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSynthesizeIDs(t *testing.T) {
	calls := []ToolCall{
		{Name: "a"},
		{ID: "keep-me", Name: "b"},
		{Name: "c"},
	}
	synthesizeIDs(calls)

	if calls[0].ID == "" || calls[2].ID == "" {
		t.Error("missing ids not synthesized")
	}
	if calls[1].ID != "keep-me" {
		t.Errorf("existing id overwritten: %q", calls[1].ID)
	}
	if calls[0].ID == calls[2].ID {
		t.Error("synthesized ids not unique")
	}
}
