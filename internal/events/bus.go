// Package events carries agent loop activity to observers. The agent
// publishes one event per state transition, model call and tool call;
// the HTTP API streams them to websocket clients. Publish on a nil *Bus
// is a no-op.
package events

import (
	"sync"
	"time"
)

// Kind constants describe what happened.
const (
	// KindTurnStart: a user message or resume answer entered the loop.
	// Data: resume (bool).
	KindTurnStart = "turn_start"
	// KindState: the loop moved to State.
	KindState = "state"
	// KindLLMCall: a model call is starting. Data: iter, model, messages.
	KindLLMCall = "llm_call"
	// KindLLMResponse: a model call finished. Data: iter, model,
	// tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall: a tool is about to run. Data: call_id, cursor, args.
	KindToolCall = "tool_call"
	// KindToolDone: a tool finished. Data: call_id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindSuspended: the turn is waiting on a human. Data: token, query.
	KindSuspended = "suspended"
	// KindTurnComplete: the turn produced a final answer. Data:
	// iterations, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed: the turn stopped on an error. Data: error.
	KindTurnFailed = "turn_failed"
)

// Event is a single loop event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Kind      string         `json:"kind"`
	ThreadID  string         `json:"thread_id"`
	State     string         `json:"state,omitempty"`
	ToolName  string         `json:"tool,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking the loop.
type Bus struct {
	mu sync.RWMutex
	// subs maps each send channel to its thread filter ("" = all).
	subs map[chan Event]string
	// recvToSend lets Unsubscribe take the caller's <-chan view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]string),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to every matching subscriber, dropping it for
// any subscriber whose buffer is full. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, thread := range b.subs {
		if thread != "" && thread != e.ThreadID {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving events for threadID, or for all
// threads when threadID is empty. The caller must eventually call
// Unsubscribe.
func (b *Bus) Subscribe(threadID string, bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = threadID
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Calling it
// twice is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
