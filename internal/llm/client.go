package llm

import "context"

// Client is the interface every LLM provider implements. One
// implementation exists per backend; callers never branch on provider.
//
// Implementations must not retry failed requests; retry policy belongs
// to the caller.
type Client interface {
	// Complete sends the full conversation plus the exported tool
	// schema and returns exactly one assistant message (text and/or
	// tool calls, in the order the backend emitted them).
	Complete(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// CompleteStream is Complete with incremental text tokens
	// delivered to callback when it is non-nil.
	CompleteStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
