// Package interrupt manages suspension tokens: the record that a thread
// is paused on a question for a human, and where to pick up once the
// answer arrives.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoPendingSuspension is returned by Resume when the thread is
	// not waiting on a human.
	ErrNoPendingSuspension = errors.New("no pending suspension")

	// ErrAlreadySuspended is returned by Suspend when the thread already
	// has an outstanding token.
	ErrAlreadySuspended = errors.New("thread already suspended")
)

// Token records a suspended turn.
type Token struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Query    string `json:"query"`

	// ResumePoint is the ID of the tool call awaiting the answer.
	ResumePoint string `json:"resume_point"`

	// Cursor is the index of that call within its assistant message's
	// tool call batch.
	Cursor int `json:"cursor"`

	CreatedAt time.Time `json:"created_at"`
}

// PendingStore persists at most one token per thread.
type PendingStore interface {
	SavePending(ctx context.Context, tok *Token) error
	LoadPending(ctx context.Context, threadID string) (*Token, error) // nil, nil when none
	ClearPending(ctx context.Context, threadID string) error
}

// Controller issues and consumes suspension tokens.
type Controller struct {
	store  PendingStore
	logger *slog.Logger

	// Load-then-clear in Resume must not race a concurrent Resume.
	mu sync.Mutex
}

// NewController creates a controller backed by store.
func NewController(store PendingStore, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: store, logger: logger.With("component", "interrupt")}
}

// Suspend records that threadID is waiting for an answer to question,
// raised by tool call callID at position cursor of its batch.
func (c *Controller) Suspend(ctx context.Context, threadID, callID string, cursor int, question string) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.store.LoadPending(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySuspended, threadID)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate token id: %w", err)
	}
	tok := &Token{
		ID:          id.String(),
		ThreadID:    threadID,
		Query:       question,
		ResumePoint: callID,
		Cursor:      cursor,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.store.SavePending(ctx, tok); err != nil {
		return nil, fmt.Errorf("save pending: %w", err)
	}

	c.logger.Info("thread suspended",
		"thread", threadID,
		"token", tok.ID,
		"call_id", callID,
		"cursor", cursor,
	)
	return tok, nil
}

// Resume returns the thread's pending token and clears it. The token is
// consumed exactly once; a second Resume fails with
// ErrNoPendingSuspension.
func (c *Controller) Resume(ctx context.Context, threadID string) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, err := c.store.LoadPending(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	if tok == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPendingSuspension, threadID)
	}
	if err := c.store.ClearPending(ctx, threadID); err != nil {
		return nil, fmt.Errorf("clear pending: %w", err)
	}

	c.logger.Info("thread resumed", "thread", threadID, "token", tok.ID, "waited", time.Since(tok.CreatedAt).Round(time.Second))
	return tok, nil
}

// Pending returns the thread's outstanding token, or nil.
func (c *Controller) Pending(ctx context.Context, threadID string) (*Token, error) {
	tok, err := c.store.LoadPending(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	return tok, nil
}

// Restore puts a previously consumed token back. The loop uses it when
// a resumed turn fails before the answer is recorded.
func (c *Controller) Restore(ctx context.Context, tok *Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.SavePending(ctx, tok); err != nil {
		return fmt.Errorf("restore pending: %w", err)
	}
	return nil
}
