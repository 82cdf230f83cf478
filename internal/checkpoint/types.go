// Package checkpoint persists conversation threads and pending
// suspensions so a paused or finished conversation survives restarts.
package checkpoint

import (
	"context"
	"errors"

	"github.com/nugget/parley/internal/conversation"
	"github.com/nugget/parley/internal/interrupt"
)

// ErrNotFound is returned by Delete when the thread does not exist.
var ErrNotFound = errors.New("thread not found")

// Store is durable per-thread state: the transcript and at most one
// pending suspension token.
type Store interface {
	// Save replaces the stored transcript for thread.ID.
	Save(ctx context.Context, thread *conversation.Thread) error

	// Load returns the stored thread, or a fresh empty thread when none
	// exists.
	Load(ctx context.Context, threadID string) (*conversation.Thread, error)

	interrupt.PendingStore

	// List returns summaries of the most recently updated threads.
	List(ctx context.Context, limit int) ([]conversation.Summary, error)

	// Delete removes a thread and any pending token.
	Delete(ctx context.Context, threadID string) error
}

const defaultListLimit = 20
