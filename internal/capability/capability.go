// Package capability adapts external services and the local filesystem
// into the four tools the agent can call: search_web, read_resume,
// read_file and ask_human.
package capability

import (
	"fmt"
	"log/slog"

	"github.com/nugget/parley/internal/docs"
	"github.com/nugget/parley/internal/search"
	"github.com/nugget/parley/internal/tools"
)

// maxOutputBytes caps the text a file tool hands back to the model.
const maxOutputBytes = 50 * 1024

// Deps carries what the adapters need. Nothing is looked up from the
// environment inside a handler.
type Deps struct {
	Search     *search.Manager // nil makes search_web report unavailable
	MaxResults int             // results per search, default 3

	Docs       *docs.Reader
	ResumePath string

	// Workspace restricts read_file to paths under it. Empty allows any
	// path.
	Workspace string

	Logger *slog.Logger
}

// Register adds all four capabilities to reg in their canonical order.
func Register(reg *tools.Registry, deps Deps) error {
	if deps.Docs == nil {
		deps.Docs = docs.NewReader()
	}
	if deps.MaxResults <= 0 {
		deps.MaxResults = 3
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	for _, t := range []*tools.Tool{
		SearchWeb(deps.Search, deps.MaxResults),
		ReadResume(deps.Docs, deps.ResumePath),
		ReadFile(deps.Docs, deps.Workspace),
		AskHuman(),
	} {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}

	deps.Logger.Info("capabilities registered",
		"search_providers", providerNames(deps.Search),
		"max_results", deps.MaxResults,
		"resume", deps.ResumePath,
		"workspace", deps.Workspace,
	)
	return nil
}

func providerNames(m *search.Manager) []string {
	if m == nil {
		return nil
	}
	return m.Providers()
}

// truncate cuts s at maxOutputBytes on a rune boundary.
func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	cut := maxOutputBytes
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n\n[truncated: showing %d of %d bytes]", cut, len(s))
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
