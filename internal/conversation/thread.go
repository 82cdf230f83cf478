// Package conversation holds the per-thread transcript and enforces the
// pairing between assistant tool calls and tool results.
package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/nugget/parley/internal/llm"
)

// ErrToolCallMismatch is returned when a tool message does not answer an
// outstanding tool call.
var ErrToolCallMismatch = errors.New("tool result does not match an outstanding tool call")

// Thread is an ordered, append-only conversation transcript.
type Thread struct {
	ID        string        `json:"id"`
	Messages  []llm.Message `json:"messages"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// New creates an empty thread.
func New(id string) *Thread {
	now := time.Now()
	return &Thread{ID: id, CreatedAt: now, UpdatedAt: now}
}

// Append adds messages in order. A tool message must carry the ID of a
// call made by an earlier assistant message that has not been answered
// yet; otherwise Append stops and returns ErrToolCallMismatch, leaving
// earlier messages of the batch appended.
func (t *Thread) Append(msgs ...llm.Message) error {
	for _, m := range msgs {
		if m.Role == llm.RoleTool {
			if err := t.checkToolResult(m.ToolCallID); err != nil {
				return err
			}
		}
		t.Messages = append(t.Messages, m)
		t.UpdatedAt = time.Now()
	}
	return nil
}

func (t *Thread) checkToolResult(callID string) error {
	if callID == "" {
		return fmt.Errorf("%w: tool message has no tool_call_id", ErrToolCallMismatch)
	}
	called, answered := false, false
	for _, m := range t.Messages {
		switch m.Role {
		case llm.RoleAssistant:
			for _, tc := range m.ToolCalls {
				if tc.ID == callID {
					called = true
				}
			}
		case llm.RoleTool:
			if m.ToolCallID == callID {
				answered = true
			}
		}
	}
	if !called {
		return fmt.Errorf("%w: no tool call with id %q", ErrToolCallMismatch, callID)
	}
	if answered {
		return fmt.Errorf("%w: tool call %q already answered", ErrToolCallMismatch, callID)
	}
	return nil
}

// PendingCalls returns the tool calls of the most recent assistant
// message that have no tool result yet, in emitted order.
func (t *Thread) PendingCalls() []llm.ToolCall {
	last := -1
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == llm.RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 || len(t.Messages[last].ToolCalls) == 0 {
		return nil
	}

	answered := make(map[string]bool)
	for _, m := range t.Messages[last+1:] {
		if m.Role == llm.RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	var pending []llm.ToolCall
	for _, tc := range t.Messages[last].ToolCalls {
		if !answered[tc.ID] {
			pending = append(pending, tc)
		}
	}
	return pending
}

// LastAssistant returns the most recent assistant message, or nil.
func (t *Thread) LastAssistant() *llm.Message {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == llm.RoleAssistant {
			return &t.Messages[i]
		}
	}
	return nil
}

// Len returns the number of messages.
func (t *Thread) Len() int { return len(t.Messages) }

// Clone returns a deep copy of the thread.
func (t *Thread) Clone() *Thread {
	c := *t
	c.Messages = llm.CloneMessages(t.Messages)
	return &c
}

// Summary is a lightweight view of a stored thread for listings.
type Summary struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"message_count"`
	Suspended    bool      `json:"suspended"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
