package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/parley/internal/search"
	"github.com/nugget/parley/internal/tools"
)

// SearchWeb returns the search_web tool, capped at maxResults results.
func SearchWeb(mgr *search.Manager, maxResults int) *tools.Tool {
	return &tools.Tool{
		Name:        "search_web",
		Description: "Search the web for information. Use this for current facts, product details and prices.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query := strings.TrimSpace(tools.StringArg(args, "query"))
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			if mgr == nil || !mgr.Configured() {
				return "", fmt.Errorf("%w: no provider configured", search.ErrUnavailable)
			}

			results, err := mgr.Search(ctx, query, search.Options{Count: maxResults})
			if err != nil {
				return "", err
			}
			return search.FormatResults(results), nil
		},
	}
}
