// Package agent implements the orchestration loop: a per-thread state
// machine that alternates between asking the model what to do and
// running the tools it asks for, pausing whenever a human has to answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/checkpoint"
	"github.com/nugget/parley/internal/conversation"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/interrupt"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/prompts"
	"github.com/nugget/parley/internal/tools"
)

const defaultMaxIterations = 10

var (
	// ErrThreadSuspended is returned by Run when the thread is waiting
	// for a human answer. Use Resume instead.
	ErrThreadSuspended = errors.New("thread is suspended awaiting human input")

	// ErrMaxIterations is returned when a turn needs more reasoning
	// cycles than allowed. The thread stays checkpointed.
	ErrMaxIterations = errors.New("max iterations reached")
)

// Config wires a Loop to its collaborators.
type Config struct {
	Client     llm.Client
	Model      string
	Registry   *tools.Registry
	Store      checkpoint.Store
	Controller *interrupt.Controller // defaults to one backed by Store

	// MaxIterations bounds model calls per turn. Zero means 10.
	MaxIterations int

	// TurnTimeout bounds a whole turn. Zero means no limit beyond ctx.
	TurnTimeout time.Duration

	// OnEvent, when set, receives every loop event. It must not block.
	OnEvent func(events.Event)

	Logger *slog.Logger
}

// Loop drives conversation turns. It is safe for concurrent use: turns
// on one thread are serialized, turns on distinct threads run in
// parallel.
type Loop struct {
	client        llm.Client
	model         string
	registry      *tools.Registry
	store         checkpoint.Store
	controller    *interrupt.Controller
	maxIterations int
	turnTimeout   time.Duration
	onEvent       func(events.Event)
	logger        *slog.Logger

	locks *keyedMutex
}

// Outcome is the result of a turn: either a final reply or a pending
// question for the human.
type Outcome struct {
	ThreadID   string           `json:"thread_id"`
	State      State            `json:"state"`
	Reply      string           `json:"reply,omitempty"`
	Token      *interrupt.Token `json:"token,omitempty"`
	Iterations int              `json:"iterations"`
	Elapsed    time.Duration    `json:"elapsed_ns"`
}

// Suspended reports whether the turn is waiting on a human.
func (o *Outcome) Suspended() bool { return o.State == StateSuspended }

// NewLoop creates a loop from cfg. Client, Registry and Store are
// required.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Client == nil {
		return nil, errors.New("agent: llm client is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("agent: tool registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("agent: checkpoint store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Controller == nil {
		cfg.Controller = interrupt.NewController(cfg.Store, cfg.Logger)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	return &Loop{
		client:        cfg.Client,
		model:         cfg.Model,
		registry:      cfg.Registry,
		store:         cfg.Store,
		controller:    cfg.Controller,
		maxIterations: cfg.MaxIterations,
		turnTimeout:   cfg.TurnTimeout,
		onEvent:       cfg.OnEvent,
		logger:        cfg.Logger.With("component", "agent"),
		locks:         newKeyedMutex(),
	}, nil
}

// Run starts a turn on threadID with the user's input.
func (l *Loop) Run(ctx context.Context, threadID, input string) (*Outcome, error) {
	threadID = normalizeThreadID(threadID)
	unlock := l.locks.lock(threadID)
	defer unlock()

	ctx, cancel := l.turnContext(ctx)
	defer cancel()

	tok, err := l.controller.Pending(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if tok != nil {
		return nil, fmt.Errorf("%w: %s (question: %q)", ErrThreadSuspended, threadID, tok.Query)
	}

	thread, err := l.store.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	l.abandonPendingCalls(thread)

	if err := thread.Append(llm.Message{Role: llm.RoleUser, Content: input}); err != nil {
		return nil, err
	}
	l.logger.Info("turn started", "thread", threadID, "messages", thread.Len())
	l.emit(events.Event{Kind: events.KindTurnStart, ThreadID: threadID, Data: map[string]any{"resume": false}})

	if err := l.checkpoint(ctx, thread, StateReasoning); err != nil {
		return nil, err
	}

	return l.drive(ctx, thread, StateReasoning)
}

// Resume answers the thread's pending ask_human call and continues the
// suspended turn: the rest of the tool batch runs, then the model is
// called again.
func (l *Loop) Resume(ctx context.Context, threadID, answer string) (*Outcome, error) {
	threadID = normalizeThreadID(threadID)
	unlock := l.locks.lock(threadID)
	defer unlock()

	ctx, cancel := l.turnContext(ctx)
	defer cancel()

	tok, err := l.controller.Resume(ctx, threadID)
	if err != nil {
		return nil, err
	}

	thread, err := l.store.Load(ctx, threadID)
	if err != nil {
		l.restore(ctx, tok)
		return nil, fmt.Errorf("load thread: %w", err)
	}

	if !hasPendingCall(thread, tok.ResumePoint) {
		l.logger.Warn("discarding token for unknown tool call",
			"thread", threadID,
			"token", tok.ID,
			"resume_point", tok.ResumePoint,
		)
		return nil, fmt.Errorf("%w: token %s resumes call %q", conversation.ErrToolCallMismatch, tok.ID, tok.ResumePoint)
	}

	if err := thread.Append(llm.Message{
		Role:       llm.RoleTool,
		Content:    answer,
		ToolCallID: tok.ResumePoint,
	}); err != nil {
		l.restore(ctx, tok)
		return nil, err
	}
	l.logger.Info("turn resumed", "thread", threadID, "token", tok.ID, "cursor", tok.Cursor)
	l.emit(events.Event{Kind: events.KindTurnStart, ThreadID: threadID, Data: map[string]any{"resume": true, "token": tok.ID}})

	if err := l.checkpoint(ctx, thread, StateExecutingTools); err != nil {
		l.restore(ctx, tok)
		return nil, err
	}

	return l.drive(ctx, thread, StateExecutingTools)
}

// Pending returns the thread's outstanding question, or nil.
func (l *Loop) Pending(ctx context.Context, threadID string) (*interrupt.Token, error) {
	return l.controller.Pending(ctx, normalizeThreadID(threadID))
}

// Thread returns the stored transcript for threadID.
func (l *Loop) Thread(ctx context.Context, threadID string) (*conversation.Thread, error) {
	return l.store.Load(ctx, normalizeThreadID(threadID))
}

// Tools returns the declarations advertised to the model.
func (l *Loop) Tools() []tools.Declaration {
	return l.registry.Declarations()
}

// drive runs the state machine from state until the turn finishes,
// suspends or fails.
func (l *Loop) drive(ctx context.Context, thread *conversation.Thread, state State) (*Outcome, error) {
	start := time.Now()
	iterations := 0

	fail := func(err error) (*Outcome, error) {
		l.logger.Error("turn failed", "thread", thread.ID, "state", state, "iterations", iterations, "error", err)
		l.emit(events.Event{Kind: events.KindTurnFailed, ThreadID: thread.ID, State: state.String(), Data: map[string]any{"error": err.Error()}})
		return nil, err
	}

	for {
		switch state {
		case StateReasoning:
			if iterations >= l.maxIterations {
				return fail(fmt.Errorf("%w (%d)", ErrMaxIterations, l.maxIterations))
			}
			iterations++

			msg, err := l.reason(ctx, thread, iterations)
			if err != nil {
				return fail(err)
			}
			next := StateDone
			if len(msg.ToolCalls) > 0 {
				l.normalizeCallIDs(thread, msg.ToolCalls)
				next = StateExecutingTools
			} else if strings.TrimSpace(msg.Content) == "" {
				l.logger.Warn("model returned empty reply", "thread", thread.ID)
				msg.Content = prompts.EmptyResponseFallback
			}
			if err := thread.Append(msg); err != nil {
				return fail(err)
			}
			if err := l.checkpoint(ctx, thread, next); err != nil {
				return fail(err)
			}
			state = next

		case StateExecutingTools:
			tok, err := l.executeBatch(ctx, thread)
			if err != nil {
				return fail(err)
			}
			if tok != nil {
				state = StateSuspended
				l.emitState(thread.ID, state)
				l.emit(events.Event{
					Kind:     events.KindSuspended,
					ThreadID: thread.ID,
					State:    state.String(),
					Data:     map[string]any{"token": tok.ID, "query": tok.Query},
				})
				return &Outcome{
					ThreadID:   thread.ID,
					State:      state,
					Token:      tok,
					Iterations: iterations,
					Elapsed:    time.Since(start),
				}, nil
			}
			state = StateReasoning
			l.emitState(thread.ID, state)

		case StateDone:
			reply := ""
			if last := thread.LastAssistant(); last != nil {
				reply = last.Content
			}
			elapsed := time.Since(start)
			l.logger.Info("turn complete",
				"thread", thread.ID,
				"iterations", iterations,
				"elapsed", elapsed.Round(time.Millisecond),
			)
			l.emit(events.Event{
				Kind:     events.KindTurnComplete,
				ThreadID: thread.ID,
				State:    state.String(),
				Data:     map[string]any{"iterations": iterations, "elapsed_ms": elapsed.Milliseconds()},
			})
			return &Outcome{
				ThreadID:   thread.ID,
				State:      state,
				Reply:      reply,
				Iterations: iterations,
				Elapsed:    elapsed,
			}, nil

		default:
			return fail(fmt.Errorf("agent: unexpected state %q", state))
		}
	}
}

// reason makes one model call with the system prompt prepended to the
// thread. The system prompt is never stored.
func (l *Loop) reason(ctx context.Context, thread *conversation.Thread, iter int) (llm.Message, error) {
	messages := make([]llm.Message, 0, thread.Len()+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: prompts.System()})
	messages = append(messages, thread.Messages...)

	l.emit(events.Event{
		Kind:     events.KindLLMCall,
		ThreadID: thread.ID,
		State:    StateReasoning.String(),
		Data:     map[string]any{"iter": iter, "model": l.model, "messages": len(messages)},
	})
	l.logger.Debug("calling model", "thread", thread.ID, "iter", iter, "model", l.model, "messages", len(messages))

	resp, err := l.client.Chat(ctx, l.model, messages, l.registry.Declarations())
	if err != nil {
		return llm.Message{}, fmt.Errorf("llm call: %w", err)
	}

	msg := resp.Message
	msg.Role = llm.RoleAssistant
	msg.ToolCallID = ""
	msg.IsError = false

	l.emit(events.Event{
		Kind:     events.KindLLMResponse,
		ThreadID: thread.ID,
		State:    StateReasoning.String(),
		Data: map[string]any{
			"iter":       iter,
			"model":      resp.Model,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"tool_calls": len(msg.ToolCalls),
		},
	})
	return msg, nil
}

// executeBatch runs the unanswered calls of the latest assistant message
// in emitted order. It returns a token when a call suspends the turn;
// calls after it stay pending until Resume.
func (l *Loop) executeBatch(ctx context.Context, thread *conversation.Thread) (*interrupt.Token, error) {
	last := thread.LastAssistant()
	if last == nil {
		return nil, nil
	}
	cursors := make(map[string]int, len(last.ToolCalls))
	for i, tc := range last.ToolCalls {
		cursors[tc.ID] = i
	}

	for _, call := range thread.PendingCalls() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cursor := cursors[call.ID]
		name := call.Function.Name

		l.emit(events.Event{
			Kind:     events.KindToolCall,
			ThreadID: thread.ID,
			State:    StateExecutingTools.String(),
			ToolName: name,
			Data:     map[string]any{"call_id": call.ID, "cursor": cursor, "args": tools.FormatArgs(call.Function.Arguments)},
		})
		l.logger.Debug("tool call", "thread", thread.ID, "tool", name, "call_id", call.ID, "args", tools.FormatArgs(call.Function.Arguments))

		toolCtx := tools.WithCallID(tools.WithThreadID(ctx, thread.ID), call.ID)
		started := time.Now()
		res := l.registry.Invoke(toolCtx, call)

		if res.Suspended() {
			// The transcript must be durable before the token exists.
			if err := l.store.Save(ctx, thread); err != nil {
				return nil, fmt.Errorf("checkpoint before suspend: %w", err)
			}
			return l.controller.Suspend(ctx, thread.ID, call.ID, cursor, res.Suspend.Query)
		}

		l.emit(events.Event{
			Kind:     events.KindToolDone,
			ThreadID: thread.ID,
			State:    StateExecutingTools.String(),
			ToolName: name,
			Data: map[string]any{
				"call_id":     call.ID,
				"ok":          !res.IsError,
				"duration_ms": time.Since(started).Milliseconds(),
			},
		})
		if res.IsError {
			l.logger.Info("tool returned error", "thread", thread.ID, "tool", name, "result", res.Text)
		}

		if err := thread.Append(llm.Message{
			Role:       llm.RoleTool,
			Content:    res.Text,
			ToolCallID: call.ID,
			IsError:    res.IsError,
		}); err != nil {
			return nil, err
		}
		if err := l.store.Save(ctx, thread); err != nil {
			return nil, fmt.Errorf("checkpoint tool result: %w", err)
		}
	}
	return nil, nil
}

// normalizeCallIDs assigns call_<uuid> to calls whose ID is missing or
// already used in the thread or batch.
func (l *Loop) normalizeCallIDs(thread *conversation.Thread, calls []llm.ToolCall) {
	seen := make(map[string]bool)
	for _, m := range thread.Messages {
		for _, tc := range m.ToolCalls {
			seen[tc.ID] = true
		}
	}
	for i := range calls {
		if calls[i].ID == "" || seen[calls[i].ID] {
			old := calls[i].ID
			calls[i].ID = newCallID()
			if old != "" {
				l.logger.Debug("replaced duplicate tool call id", "thread", thread.ID, "old", old, "new", calls[i].ID)
			}
		}
		seen[calls[i].ID] = true
	}
}

// abandonPendingCalls answers calls left unanswered by an interrupted
// turn so the transcript stays well-formed before new input.
func (l *Loop) abandonPendingCalls(thread *conversation.Thread) {
	for _, call := range thread.PendingCalls() {
		l.logger.Warn("abandoning interrupted tool call",
			"thread", thread.ID,
			"tool", call.Function.Name,
			"call_id", call.ID,
		)
		_ = thread.Append(llm.Message{
			Role:       llm.RoleTool,
			Content:    "Error: tool call was interrupted before it finished",
			ToolCallID: call.ID,
			IsError:    true,
		})
	}
}

func (l *Loop) checkpoint(ctx context.Context, thread *conversation.Thread, next State) error {
	if err := l.store.Save(ctx, thread); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	l.emitState(thread.ID, next)
	return nil
}

func (l *Loop) restore(ctx context.Context, tok *interrupt.Token) {
	if err := l.controller.Restore(ctx, tok); err != nil {
		l.logger.Error("failed to restore suspension token", "thread", tok.ThreadID, "token", tok.ID, "error", err)
	}
}

func (l *Loop) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.turnTimeout > 0 {
		return context.WithTimeout(ctx, l.turnTimeout)
	}
	return context.WithCancel(ctx)
}

func (l *Loop) emitState(threadID string, s State) {
	l.emit(events.Event{Kind: events.KindState, ThreadID: threadID, State: s.String()})
}

func (l *Loop) emit(e events.Event) {
	if l.onEvent == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	l.onEvent(e)
}

func hasPendingCall(thread *conversation.Thread, callID string) bool {
	for _, tc := range thread.PendingCalls() {
		if tc.ID == callID {
			return true
		}
	}
	return false
}

func newCallID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "call_" + id.String()
}

func normalizeThreadID(id string) string {
	if id = strings.TrimSpace(id); id == "" {
		return "default"
	}
	return id
}
