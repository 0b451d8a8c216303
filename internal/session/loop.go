package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mcpchat/mcpchat/internal/llm"
	"github.com/mcpchat/mcpchat/internal/mcp"
	"github.com/mcpchat/mcpchat/internal/registry"
)

// Reply is the outcome of one Ask exchange.
type Reply struct {
	// Content is the model's final text answer.
	Content string

	// Exhausted is set when the turn budget ran out and the answer was
	// forced without tools; it may be incomplete.
	Exhausted bool

	// Turns is the number of LLM round trips the exchange took.
	Turns int
}

// Ask appends a user message and runs the turn loop until the model
// answers in plain text or the turn budget runs out. Tool faults are
// rendered into tool messages and fed back to the model; only an LLM
// backend failure is returned as an error, wrapped in a GatewayError.
func (s *Session) Ask(ctx context.Context, text string) (*Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("session is closed")
	}

	s.messages = append(s.messages, llm.Message{Role: "user", Content: text})
	tools := s.registry.ExportSchema()
	maxTurns := s.cfg.Session.MaxTurns
	startTime := time.Now()

	for turn := 0; turn < maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			s.state = StateFailed
			return nil, err
		}

		s.truncateHistory()

		s.state = StateAwaitingLLM
		s.logger.Debug("llm call",
			"turn", turn,
			"model", s.cfg.LLM.Model,
			"msgs", len(s.messages),
		)

		resp, err := s.llm.CompleteStream(ctx, s.cfg.LLM.Model, s.messages, tools, s.stream)
		if err != nil {
			// A malformed tool call is the model's output, not a backend
			// failure. Feed the problem back and spend a turn on the
			// correction instead of killing the session.
			if errors.Is(err, llm.ErrMalformedToolCall) {
				s.logger.Warn("malformed tool call from model", "turn", turn, "error", err)
				s.messages = append(s.messages, llm.Message{
					Role: "user",
					Content: fmt.Sprintf("Error: your tool call could not be decoded: %v. "+
						"Emit arguments as a single JSON object, or answer in text.", err),
				})
				continue
			}
			s.state = StateFailed
			return nil, &GatewayError{Err: err}
		}

		s.totalInput += resp.InputTokens
		s.totalOutput += resp.OutputTokens
		s.messages = append(s.messages, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			s.state = StateAwaitingUser
			s.logger.Info("turn complete",
				"turns", turn+1,
				"input_tokens", resp.InputTokens,
				"output_tokens", resp.OutputTokens,
				"elapsed", time.Since(startTime).Round(time.Millisecond),
			)
			return &Reply{Content: resp.Message.Content, Turns: turn + 1}, nil
		}

		// Dispatch sequentially in the order the model requested.
		// Every call gets exactly one tool message, success or not.
		s.state = StateDispatchingTools
		for _, tc := range resp.Message.ToolCalls {
			result := s.dispatch(ctx, turn, tc)
			s.messages = append(s.messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	s.logger.Warn("max turns reached, forcing text response",
		"max_turns", maxTurns,
	)
	return s.forceTextResponse(ctx)
}

// dispatch resolves and executes one tool call, always returning a
// result string for the tool message. Faults become "Error: ..." text
// so the model can react instead of the session dying.
func (s *Session) dispatch(ctx context.Context, turn int, tc llm.ToolCall) string {
	logger := s.logger.With("turn", turn, "tool", tc.Name, "call_id", tc.ID)

	if tc.Malformed() {
		logger.Warn("malformed tool-call arguments", "raw", tc.RawArguments)
		return fmt.Sprintf("Error: arguments for %s are not a JSON object: %s",
			tc.Name, tc.RawArguments)
	}

	entry, err := s.registry.Resolve(tc.Name)
	if err != nil {
		logger.Warn("unknown tool requested")
		return fmt.Sprintf("Error: unknown tool %q. Available tools: %v",
			tc.Name, s.registry.Names())
	}

	if err := llm.ValidateArguments(entry.InputSchema, tc.Arguments); err != nil {
		logger.Warn("invalid tool arguments", "error", err)
		return fmt.Sprintf("Error: invalid arguments for %s: %v", tc.Name, err)
	}

	retries := s.cfg.Session.ToolRetries
	delay := s.cfg.Session.ToolRetryDelay

	var result string
	for attempt := 0; ; attempt++ {
		start := time.Now()
		logger.Info("tool exec", "server", entry.Server, "attempt", attempt)

		result, err = entry.Call(ctx, tc.Arguments)
		if err == nil {
			logger.Debug("tool exec done",
				"result_len", len(result),
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return result
		}

		// Only protocol-level faults are worth retrying: timeouts
		// already consumed the budget and a dead transport stays dead.
		if attempt < retries && errors.Is(err, mcp.ErrProtocol) {
			logger.Warn("tool exec failed, retrying",
				"error", err,
				"attempt", attempt,
			)
			select {
			case <-ctx.Done():
				return fmt.Sprintf("Error: %v", ctx.Err())
			case <-time.After(delay):
			}
			continue
		}
		break
	}

	logger.Error("tool exec failed", "error", err)
	switch {
	case errors.Is(err, mcp.ErrToolTimeout):
		return fmt.Sprintf("Error: tool %s timed out after %s",
			tc.Name, s.cfg.Session.ToolTimeout)
	case errors.Is(err, mcp.ErrDisconnected):
		return fmt.Sprintf("Error: server %s is disconnected", entry.Server)
	case errors.Is(err, registry.ErrUnknownTool):
		return fmt.Sprintf("Error: unknown tool %q", tc.Name)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// forceTextResponse makes a final call with no tools offered so the
// model has to answer in text with whatever it gathered. The reply is
// flagged Exhausted so callers can tell it from a finished answer.
func (s *Session) forceTextResponse(ctx context.Context) (*Reply, error) {
	s.messages = append(s.messages, llm.Message{
		Role:    "user",
		Content: "Tool budget exhausted. Answer now using the information gathered so far.",
	})

	s.state = StateAwaitingLLM
	resp, err := s.llm.CompleteStream(ctx, s.cfg.LLM.Model, s.messages, nil, s.stream)
	if err != nil {
		s.state = StateFailed
		return nil, &GatewayError{Err: err}
	}

	s.totalInput += resp.InputTokens
	s.totalOutput += resp.OutputTokens
	s.messages = append(s.messages, resp.Message)
	s.state = StateAwaitingUser
	return &Reply{
		Content:   resp.Message.Content,
		Exhausted: true,
		Turns:     s.cfg.Session.MaxTurns + 1,
	}, nil
}

// truncateHistory drops the oldest exchanges when the estimated size
// exceeds the context budget. The system prompt and the exchange in
// progress are never dropped, and assistant/tool message groups go
// together so no tool message is left without its request.
func (s *Session) truncateHistory() {
	budget := s.cfg.Session.ContextBudget
	if budget <= 0 {
		return
	}

	first := 0
	if len(s.messages) > 0 && s.messages[0].Role == "system" {
		first = 1
	}

	// The exchange in progress starts at the last user message.
	lastUser := len(s.messages) - 1
	for lastUser > first && s.messages[lastUser].Role != "user" {
		lastUser--
	}

	dropped := 0
	for estimateTokens(s.messages) > budget && first < lastUser {
		// Drop one full exchange: a user message and everything up to
		// the next user message.
		end := first + 1
		for end < lastUser && s.messages[end].Role != "user" {
			end++
		}
		dropped += end - first
		s.messages = append(s.messages[:first], s.messages[end:]...)
		lastUser -= end - first
	}

	if dropped > 0 {
		s.logger.Info("history truncated",
			"dropped_messages", dropped,
			"remaining", len(s.messages),
		)
	}
}

// estimateTokens approximates the token footprint of the history.
// A rough chars/4 heuristic is enough for budget enforcement.
func estimateTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
		for _, tc := range m.ToolCalls {
			total += (len(tc.Name) + 32) / 4
		}
	}
	return total
}
