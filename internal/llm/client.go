package llm

import "context"

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends the message log and tool declarations and returns the
	// model's reply. The reply either carries content, tool calls, or both.
	Chat(ctx context.Context, model string, messages []Message, tools []ToolSpec) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
