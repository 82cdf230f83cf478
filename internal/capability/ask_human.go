package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/parley/internal/tools"
)

// AskHuman returns the ask_human tool. It never answers locally: the
// handler always suspends the turn with the question.
func AskHuman() *tools.Tool {
	return &tools.Tool{
		Name:        "ask_human",
		Description: "Ask the human user a question and wait for their answer. Use this when you need a decision or details only they know.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "The question to ask.",
				},
			},
			"required": []string{"question"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			q := strings.TrimSpace(tools.StringArg(args, "question"))
			if q == "" {
				return "", fmt.Errorf("question is required")
			}
			return "", &tools.Suspend{Query: q}
		},
	}
}
