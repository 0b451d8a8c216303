package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mcpchat/mcpchat/internal/httpkit"
)

// OpenAIClient talks to an OpenAI-compatible chat completions API.
// Works with OpenAI itself and compatible gateways (SiliconFlow,
// OpenRouter, vLLM, llama.cpp server).
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
// baseURL should include the API prefix, e.g. "https://api.openai.com/v1".
func NewOpenAIClient(baseURL, apiKey string, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// OpenAI wire types. Tool-call arguments are string-encoded JSON,
// unlike Ollama's native objects.

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiRequest struct {
	Model         string           `json:"model"`
	Messages      []openaiMessage  `json:"messages"`
	Stream        bool             `json:"stream"`
	Tools         []map[string]any `json:"tools,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

// Streaming chunk: deltas carry partial content and partial tool calls
// keyed by index.
type openaiStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

// Complete sends a non-streaming chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := openaiRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
		Stream:   false,
		Tools:    tools,
	}

	body, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp openaiResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	msg := fromOpenAIMessage(resp.Choices[0].Message)

	out := &ChatResponse{Model: resp.Model, Message: msg, Done: true}
	if resp.Usage != nil {
		out.InputTokens = resp.Usage.PromptTokens
		out.OutputTokens = resp.Usage.CompletionTokens
	}

	c.logger.Debug("response received",
		"model", resp.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(msg.ToolCalls),
	)
	return out, nil
}

// CompleteStream sends a streaming chat request. Tokens go to callback
// as they arrive; tool-call deltas are accumulated by index and
// assembled into complete calls at end of stream.
func (c *OpenAIClient) CompleteStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Complete(ctx, model, messages, tools)
	}

	req := openaiRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
		Tools:    tools,
	}
	req.StreamOptions = &struct {
		IncludeUsage bool `json:"include_usage"`
	}{IncludeUsage: true}

	body, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}

	var (
		contentBuilder strings.Builder
		partials       []*partialCall
		modelName      string
		usage          *openaiUsage
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Model != "" {
			modelName = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			contentBuilder.WriteString(delta.Content)
			callback(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			for tc.Index >= len(partials) {
				partials = append(partials, &partialCall{})
			}
			p := partials[tc.Index]
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	msg := Message{Role: "assistant", Content: contentBuilder.String()}
	for _, p := range partials {
		tc := ToolCall{ID: p.id, Name: p.name}
		args, err := decodeArguments(p.args.String())
		if err != nil {
			tc.RawArguments = p.args.String()
		} else {
			tc.Arguments = args
		}
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}
	synthesizeIDs(msg.ToolCalls)

	out := &ChatResponse{Model: modelName, Message: msg, Done: true}
	if usage != nil {
		out.InputTokens = usage.PromptTokens
		out.OutputTokens = usage.CompletionTokens
	}
	return out, nil
}

// Ping checks the endpoint is reachable and the key is accepted.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai API error %d", resp.StatusCode)
	}
	return nil
}

func (c *OpenAIClient) post(ctx context.Context, req openaiRequest) (io.ReadCloser, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		resp.Body.Close()
		return nil, fmt.Errorf("openai API error %d: %s", resp.StatusCode, errBody)
	}
	return resp.Body, nil
}

// toOpenAIMessages converts neutral messages to the OpenAI wire shape,
// string-encoding tool-call arguments.
func toOpenAIMessages(messages []Message) []openaiMessage {
	out := make([]openaiMessage, 0, len(messages))
	for _, m := range messages {
		om := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			var otc openaiToolCall
			otc.ID = tc.ID
			otc.Type = "function"
			otc.Function.Name = tc.Name
			switch {
			case tc.Malformed():
				// Round-trip malformed calls verbatim so the history the
				// model sees matches what it produced.
				otc.Function.Arguments = tc.RawArguments
			case tc.Arguments == nil:
				otc.Function.Arguments = "{}"
			default:
				b, err := json.Marshal(tc.Arguments)
				if err != nil {
					b = []byte("{}")
				}
				otc.Function.Arguments = string(b)
			}
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

// fromOpenAIMessage converts a wire message back, decoding the
// string-encoded arguments of each tool call. A call whose arguments
// do not decode is kept with its raw text so the caller can answer it
// with a failure result; a bad argument string is the model's output,
// not a gateway fault.
func fromOpenAIMessage(om openaiMessage) Message {
	msg := Message{Role: "assistant", Content: om.Content}
	for _, tc := range om.ToolCalls {
		out := ToolCall{ID: tc.ID, Name: tc.Function.Name}
		args, err := decodeArguments(tc.Function.Arguments)
		if err != nil {
			out.RawArguments = tc.Function.Arguments
		} else {
			out.Arguments = args
		}
		msg.ToolCalls = append(msg.ToolCalls, out)
	}
	synthesizeIDs(msg.ToolCalls)
	return msg
}

// decodeArguments parses string-encoded tool-call arguments. A failure
// here means the model emitted unusable JSON, which the caller reports
// back to the model rather than treating as a transport fault.
func decodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: arguments are not a JSON object: %v", ErrMalformedToolCall, err)
	}
	return args, nil
}
