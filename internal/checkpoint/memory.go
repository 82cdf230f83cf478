package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nugget/parley/internal/conversation"
	"github.com/nugget/parley/internal/interrupt"
)

// MemoryStore is an in-process Store. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[string]*conversation.Thread
	pending map[string]interrupt.Token
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]*conversation.Thread),
		pending: make(map[string]interrupt.Token),
	}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, thread *conversation.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[thread.ID] = thread.Clone()
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, threadID string) (*conversation.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[threadID]; ok {
		return t.Clone(), nil
	}
	return conversation.New(threadID), nil
}

// SavePending implements interrupt.PendingStore.
func (m *MemoryStore) SavePending(_ context.Context, tok *interrupt.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[tok.ThreadID] = *tok
	return nil
}

// LoadPending implements interrupt.PendingStore.
func (m *MemoryStore) LoadPending(_ context.Context, threadID string) (*interrupt.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.pending[threadID]
	if !ok {
		return nil, nil
	}
	return &tok, nil
}

// ClearPending implements interrupt.PendingStore.
func (m *MemoryStore) ClearPending(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, threadID)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, limit int) ([]conversation.Summary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]conversation.Summary, 0, len(m.threads))
	for id, t := range m.threads {
		_, suspended := m.pending[id]
		out = append(out, conversation.Summary{
			ID:           id,
			MessageCount: len(t.Messages),
			Suspended:    suspended,
			CreatedAt:    t.CreatedAt,
			UpdatedAt:    t.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[threadID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	delete(m.threads, threadID)
	delete(m.pending, threadID)
	return nil
}
