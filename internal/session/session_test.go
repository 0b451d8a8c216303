package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mcpchat/mcpchat/internal/config"
	"github.com/mcpchat/mcpchat/internal/llm"
	"github.com/mcpchat/mcpchat/internal/mcp"
)

// scriptedLLM returns canned responses in order and records the
// message history it was called with.
type scriptedLLM struct {
	responses []*llm.ChatResponse
	errs      []error
	calls     [][]llm.Message
	toolSets  [][]map[string]any
}

func (s *scriptedLLM) next(messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	s.calls = append(s.calls, append([]llm.Message(nil), messages...))
	s.toolSets = append(s.toolSets, tools)
	i := len(s.calls) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "fallback"}, Done: true}, nil
	}
	return s.responses[i], nil
}

func (s *scriptedLLM) Complete(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return s.next(messages, tools)
}

func (s *scriptedLLM) CompleteStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return s.next(messages, tools)
}

func (s *scriptedLLM) Ping(ctx context.Context) error { return nil }

// fakeTool dispatches like a connection but is scripted per call.
type fakeTool struct {
	name   string
	fn     func(name string, args map[string]any) (string, error)
	called []string
}

func (f *fakeTool) Name() string { return f.name }

func (f *fakeTool) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	f.called = append(f.called, name)
	return f.fn(name, args)
}

func assistantCalls(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", ToolCalls: calls}, Done: true}
}

func assistantText(text string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: text}, Done: true}
}

func newTestSession(t *testing.T, client llm.Client) *Session {
	t.Helper()
	cfg := config.Default()
	cfg.Session.SystemPrompt = "You are a test assistant."
	cfg.Session.ToolRetryDelay = time.Millisecond
	s := New(cfg, client, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAskPlainAnswer(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.ChatResponse{assistantText("42")}}
	s := newTestSession(t, client)

	got, err := s.Ask(context.Background(), "meaning of life?")
	if err != nil {
		t.Fatalf("Ask() error: %v", err)
	}
	if got.Content != "42" {
		t.Errorf("Ask() = %q, want 42", got.Content)
	}
	if got.Exhausted {
		t.Error("finished answer flagged exhausted")
	}
	if got.Turns != 1 {
		t.Errorf("Turns = %d, want 1", got.Turns)
	}
	if s.State() != StateAwaitingUser {
		t.Errorf("state = %v, want awaiting_user", s.State())
	}

	// System prompt then user message.
	first := client.calls[0]
	if len(first) != 2 || first[0].Role != "system" || first[1].Role != "user" {
		t.Errorf("first call messages = %+v", first)
	}
}

func TestAskToolRoundTrip(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.ChatResponse{
		assistantCalls(llm.ToolCall{ID: "c1", Name: "read_file", Arguments: map[string]any{"path": "notes.md"}}),
		assistantText("Your notes say hello."),
	}}
	s := newTestSession(t, client)

	tool := &fakeTool{name: "files", fn: func(name string, args map[string]any) (string, error) {
		return "hello", nil
	}}
	s.Registry().Register("files", tool, []mcp.ToolDefinition{{Name: "read_file"}})

	got, err := s.Ask(context.Background(), "read my notes")
	if err != nil {
		t.Fatalf("Ask() error: %v", err)
	}
	if got.Content != "Your notes say hello." {
		t.Errorf("Ask() = %q", got.Content)
	}

	// The second LLM call must include the assistant turn and the tool
	// result, correlated by call id.
	second := client.calls[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content != "hello" || last.ToolCallID != "c1" {
		t.Errorf("tool message = %+v", last)
	}
}

func TestAskEveryCallGetsOneToolMessage(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.ChatResponse{
		assistantCalls(
			llm.ToolCall{ID: "c1", Name: "ok_tool", Arguments: map[string]any{}},
			llm.ToolCall{ID: "c2", Name: "no_such_tool", Arguments: map[string]any{}},
			llm.ToolCall{ID: "c3", Name: "fail_tool", Arguments: map[string]any{}},
		),
		assistantText("done"),
	}}
	s := newTestSession(t, client)

	tool := &fakeTool{name: "srv", fn: func(name string, args map[string]any) (string, error) {
		if name == "fail_tool" {
			return "", fmt.Errorf("%w: tool fail_tool after 30s", mcp.ErrToolTimeout)
		}
		return "fine", nil
	}}
	s.Registry().Register("srv", tool, []mcp.ToolDefinition{
		{Name: "ok_tool"},
		{Name: "fail_tool"},
	})

	if _, err := s.Ask(context.Background(), "go"); err != nil {
		t.Fatalf("Ask() error: %v", err)
	}

	second := client.calls[1]
	var toolMsgs []llm.Message
	for _, m := range second {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 3 {
		t.Fatalf("tool messages = %d, want 3 (one per requested call)", len(toolMsgs))
	}

	// In request order, correlated to their ids.
	wantIDs := []string{"c1", "c2", "c3"}
	for i, m := range toolMsgs {
		if m.ToolCallID != wantIDs[i] {
			t.Errorf("tool message %d correlates to %q, want %q", i, m.ToolCallID, wantIDs[i])
		}
	}
	if toolMsgs[0].Content != "fine" {
		t.Errorf("ok_tool result = %q", toolMsgs[0].Content)
	}
	if !strings.Contains(toolMsgs[1].Content, "unknown tool") {
		t.Errorf("unknown tool result = %q", toolMsgs[1].Content)
	}
	if !strings.Contains(toolMsgs[2].Content, "timed out") {
		t.Errorf("timeout result = %q", toolMsgs[2].Content)
	}
}

func TestAskValidatesArguments(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.ChatResponse{
		assistantCalls(llm.ToolCall{ID: "c1", Name: "read_file", Arguments: map[string]any{}}),
		assistantText("sorry"),
	}}
	s := newTestSession(t, client)

	tool := &fakeTool{name: "files", fn: func(name string, args map[string]any) (string, error) {
		t.Error("tool dispatched despite invalid arguments")
		return "", nil
	}}
	s.Registry().Register("files", tool, []mcp.ToolDefinition{{
		Name: "read_file",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []any{"path"},
		},
	}})

	if _, err := s.Ask(context.Background(), "read"); err != nil {
		t.Fatalf("Ask() error: %v", err)
	}

	second := client.calls[1]
	last := second[len(second)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "invalid arguments") {
		t.Errorf("tool message = %+v, want invalid-arguments error", last)
	}
}

func TestAskMaxTurnsForcesTextResponse(t *testing.T) {
	cfg := config.Default()
	cfg.Session.MaxTurns = 3
	cfg.Session.ToolRetryDelay = time.Millisecond

	// The model asks for a tool on every budgeted turn; the forced
	// no-tools call falls through to the fallback text.
	var responses []*llm.ChatResponse
	for i := 0; i < 3; i++ {
		responses = append(responses, assistantCalls(
			llm.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "loop_tool", Arguments: map[string]any{}},
		))
	}
	client := &scriptedLLM{responses: responses}

	s := New(cfg, client, nil)
	defer s.Close()

	tool := &fakeTool{name: "srv", fn: func(string, map[string]any) (string, error) { return "more", nil }}
	s.Registry().Register("srv", tool, []mcp.ToolDefinition{{Name: "loop_tool"}})

	got, err := s.Ask(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("Ask() error: %v", err)
	}
	if got.Content != "fallback" {
		t.Errorf("Ask() = %q, want forced fallback text", got.Content)
	}
	if !got.Exhausted {
		t.Error("forced answer not flagged exhausted")
	}

	// 3 tool turns plus the forced final call.
	if len(client.calls) != 4 {
		t.Fatalf("llm calls = %d, want 4", len(client.calls))
	}
	// The forced call offers no tools.
	if client.toolSets[3] != nil {
		t.Errorf("forced call tools = %v, want nil", client.toolSets[3])
	}
	if len(tool.called) != 3 {
		t.Errorf("tool dispatches = %d, want 3", len(tool.called))
	}
}

func TestAskMalformedToolCallErrorIsNotFatal(t *testing.T) {
	// The gateway reports a tool call it could not decode. The session
	// must feed the problem back to the model, not die.
	client := &scriptedLLM{
		errs: []error{fmt.Errorf("%w: arguments are not a JSON object: unexpected end of input", llm.ErrMalformedToolCall)},
		responses: []*llm.ChatResponse{
			nil, // first call answered by errs[0]
			assistantText("recovered"),
		},
	}
	s := newTestSession(t, client)

	got, err := s.Ask(context.Background(), "go")
	if err != nil {
		t.Fatalf("Ask() error: %v", err)
	}
	if got.Content != "recovered" {
		t.Errorf("Ask() = %q, want recovered", got.Content)
	}
	if s.State() != StateAwaitingUser {
		t.Errorf("state = %v, want awaiting_user", s.State())
	}

	// The second call carries the correction prompt.
	second := client.calls[1]
	last := second[len(second)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "could not be decoded") {
		t.Errorf("correction message = %+v", last)
	}
}

func TestAskMalformedCallAnsweredWithFailure(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.ChatResponse{
		assistantCalls(llm.ToolCall{ID: "c1", Name: "search", RawArguments: `{"q": truncated`}),
		assistantText("sorry"),
	}}
	s := newTestSession(t, client)

	tool := &fakeTool{name: "srv", fn: func(string, map[string]any) (string, error) {
		t.Error("tool dispatched despite malformed arguments")
		return "", nil
	}}
	s.Registry().Register("srv", tool, []mcp.ToolDefinition{{Name: "search"}})

	if _, err := s.Ask(context.Background(), "find it"); err != nil {
		t.Fatalf("Ask() error: %v", err)
	}

	second := client.calls[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "c1" {
		t.Fatalf("tool message = %+v", last)
	}
	if !strings.Contains(last.Content, "not a JSON object") {
		t.Errorf("failure result = %q", last.Content)
	}
}

func TestAskGatewayError(t *testing.T) {
	client := &scriptedLLM{errs: []error{fmt.Errorf("connection refused")}}
	s := newTestSession(t, client)

	_, err := s.Ask(context.Background(), "hi")
	var gw *GatewayError
	if !errors.As(err, &gw) {
		t.Fatalf("Ask() error = %v, want GatewayError", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v, want failed", s.State())
	}
}

func TestDispatchRetriesProtocolErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Session.ToolRetries = 2
	cfg.Session.ToolRetryDelay = time.Millisecond

	client := &scriptedLLM{responses: []*llm.ChatResponse{
		assistantCalls(llm.ToolCall{ID: "c1", Name: "flaky", Arguments: map[string]any{}}),
		assistantText("ok"),
	}}
	s := New(cfg, client, nil)
	defer s.Close()

	attempts := 0
	tool := &fakeTool{name: "srv", fn: func(string, map[string]any) (string, error) {
		attempts++
		if attempts < 3 {
			return "", fmt.Errorf("%w: garbled frame", mcp.ErrProtocol)
		}
		return "recovered", nil
	}}
	s.Registry().Register("srv", tool, []mcp.ToolDefinition{{Name: "flaky"}})

	if _, err := s.Ask(context.Background(), "go"); err != nil {
		t.Fatalf("Ask() error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	second := client.calls[1]
	last := second[len(second)-1]
	if last.Content != "recovered" {
		t.Errorf("tool result = %q, want recovered", last.Content)
	}
}

func TestDispatchDoesNotRetryTimeouts(t *testing.T) {
	cfg := config.Default()
	cfg.Session.ToolRetries = 5
	cfg.Session.ToolRetryDelay = time.Millisecond

	client := &scriptedLLM{responses: []*llm.ChatResponse{
		assistantCalls(llm.ToolCall{ID: "c1", Name: "slow", Arguments: map[string]any{}}),
		assistantText("ok"),
	}}
	s := New(cfg, client, nil)
	defer s.Close()

	attempts := 0
	tool := &fakeTool{name: "srv", fn: func(string, map[string]any) (string, error) {
		attempts++
		return "", fmt.Errorf("%w: tool slow", mcp.ErrToolTimeout)
	}}
	s.Registry().Register("srv", tool, []mcp.ToolDefinition{{Name: "slow"}})

	if _, err := s.Ask(context.Background(), "go"); err != nil {
		t.Fatalf("Ask() error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (timeouts are not retried)", attempts)
	}
}

func TestReset(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.ChatResponse{
		assistantText("first"),
		assistantText("second"),
	}}
	s := newTestSession(t, client)

	if _, err := s.Ask(context.Background(), "one"); err != nil {
		t.Fatalf("Ask() error: %v", err)
	}
	s.Reset()
	if _, err := s.Ask(context.Background(), "two"); err != nil {
		t.Fatalf("Ask() error: %v", err)
	}

	// After reset the second call sees only system + new user message.
	second := client.calls[1]
	if len(second) != 2 {
		t.Errorf("messages after reset = %d, want 2 (%+v)", len(second), second)
	}
}

func TestCloseIdempotentAndBlocksAsk(t *testing.T) {
	client := &scriptedLLM{}
	s := newTestSession(t, client)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}

	if _, err := s.Ask(context.Background(), "hi"); err == nil {
		t.Fatal("Ask() after Close should fail")
	}
}

func TestTruncateHistoryKeepsSystemAndCurrentTurn(t *testing.T) {
	cfg := config.Default()
	cfg.Session.SystemPrompt = "system prompt"
	cfg.Session.ContextBudget = 50 // tiny, forces truncation

	s := New(cfg, &scriptedLLM{}, nil)
	defer s.Close()

	big := strings.Repeat("x", 400)
	s.messages = append(s.messages,
		llm.Message{Role: "user", Content: big},
		llm.Message{Role: "assistant", Content: "old answer"},
		llm.Message{Role: "user", Content: big},
		llm.Message{Role: "assistant", Content: "old answer 2"},
		llm.Message{Role: "user", Content: "current question"},
	)

	s.truncateHistory()

	if s.messages[0].Role != "system" {
		t.Fatalf("system message dropped: %+v", s.messages[0])
	}
	last := s.messages[len(s.messages)-1]
	if last.Role != "user" || last.Content != "current question" {
		t.Fatalf("current turn dropped: %+v", last)
	}
	// Both full old exchanges fit the drop criteria.
	if len(s.messages) != 2 {
		t.Errorf("messages after truncation = %d, want 2 (%+v)", len(s.messages), s.messages)
	}
}

func TestFilterTools(t *testing.T) {
	defs := []mcp.ToolDefinition{
		{Name: "read"}, {Name: "write"}, {Name: "delete"},
	}

	got := filterTools(defs, nil, []string{"delete"})
	if len(got) != 2 {
		t.Errorf("exclude filter: %d tools, want 2", len(got))
	}

	got = filterTools(defs, []string{"read"}, []string{"read"})
	if len(got) != 0 {
		t.Errorf("include+exclude: %d tools, want 0 (exclude still applies)", len(got))
	}

	got = filterTools(defs, []string{"write", "missing"}, nil)
	if len(got) != 1 || got[0].Name != "write" {
		t.Errorf("include filter: %v", got)
	}
}
