package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nugget/parley/internal/capability"
	"github.com/nugget/parley/internal/checkpoint"
	"github.com/nugget/parley/internal/conversation"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/interrupt"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/prompts"
	"github.com/nugget/parley/internal/tools"
)

// mockLLM replays scripted responses and records what it was sent.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	respond   func(messages []llm.Message) (*llm.ChatResponse, error)
	calls     [][]llm.Message
	err       error
}

func (m *mockLLM) Chat(_ context.Context, _ string, messages []llm.Message, _ []llm.ToolSpec) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, llm.CloneMessages(messages))
	if m.err != nil {
		return nil, m.err
	}
	if m.respond != nil {
		return m.respond(messages)
	}
	if len(m.responses) == 0 {
		return nil, errors.New("mockLLM: no scripted response left")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func reply(text string) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: llm.RoleAssistant, Content: text}}
}

func toolCalls(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

// testRegistry registers a fake search_web that echoes its query, a
// counting read_resume, and the real ask_human.
func testRegistry(t *testing.T, searches *[]string) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil)
	var mu sync.Mutex
	require.NoError(t, reg.Register(&tools.Tool{
		Name:        "search_web",
		Description: "search",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []any{"query"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			q := tools.StringArg(args, "query")
			if searches != nil {
				mu.Lock()
				*searches = append(*searches, q)
				mu.Unlock()
			}
			return "results for " + q, nil
		},
	}))
	require.NoError(t, reg.Register(&tools.Tool{
		Name:        "read_resume",
		Description: "resume",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "Resume:\nGo engineer\n", nil
		},
	}))
	require.NoError(t, reg.Register(capability.AskHuman()))
	reg.Freeze()
	return reg
}

func newTestLoop(t *testing.T, client llm.Client, store checkpoint.Store, opts ...func(*Config)) *Loop {
	t.Helper()
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	cfg := Config{
		Client:   client,
		Model:    "test-model",
		Registry: testRegistry(t, nil),
		Store:    store,
	}
	for _, o := range opts {
		o(&cfg)
	}
	l, err := NewLoop(cfg)
	require.NoError(t, err)
	return l
}

func TestNewLoop_RequiresCollaborators(t *testing.T) {
	_, err := NewLoop(Config{})
	assert.Error(t, err)

	_, err = NewLoop(Config{Client: &mockLLM{}, Registry: tools.NewRegistry(nil)})
	assert.ErrorContains(t, err, "checkpoint store")
}

func TestRun_DirectAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{reply("Hello!")}}
	l := newTestLoop(t, mock, nil)

	out, err := l.Run(context.Background(), "t1", "hi")
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, "Hello!", out.Reply)
	assert.Nil(t, out.Token)
	assert.Equal(t, 1, out.Iterations)

	th, err := l.Thread(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, th.Messages, 2)
	assert.Equal(t, llm.RoleUser, th.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, th.Messages[1].Role)
}

func TestRun_ToolCallProducesFourEntries(t *testing.T) {
	var searches []string
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("call_1", "search_web", map[string]any{"query": "best hiking boots"})),
		reply("Try the Trailmaster."),
	}}
	l := newTestLoop(t, mock, nil, func(c *Config) { c.Registry = testRegistry(t, &searches) })

	out, err := l.Run(context.Background(), "shop", "What hiking boots should I buy?")
	require.NoError(t, err)
	assert.Equal(t, "Try the Trailmaster.", out.Reply)
	assert.Equal(t, []string{"best hiking boots"}, searches)

	th, err := l.Thread(context.Background(), "shop")
	require.NoError(t, err)
	require.Len(t, th.Messages, 4)
	assert.Equal(t, llm.RoleUser, th.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, th.Messages[1].Role)
	require.Len(t, th.Messages[1].ToolCalls, 1)
	assert.Equal(t, llm.RoleTool, th.Messages[2].Role)
	assert.Equal(t, "call_1", th.Messages[2].ToolCallID)
	assert.Equal(t, "results for best hiking boots", th.Messages[2].Content)
	assert.Equal(t, llm.RoleAssistant, th.Messages[3].Role)

	// Second model call sees the tool result.
	require.Equal(t, 2, mock.callCount())
	last := mock.calls[1]
	assert.Equal(t, llm.RoleTool, last[len(last)-1].Role)
}

func TestRun_SystemPromptNotPersisted(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{reply("ok"), reply("ok again")}}
	l := newTestLoop(t, mock, nil)
	ctx := context.Background()

	_, err := l.Run(ctx, "t", "one")
	require.NoError(t, err)
	_, err = l.Run(ctx, "t", "two")
	require.NoError(t, err)

	for _, sent := range mock.calls {
		require.NotEmpty(t, sent)
		assert.Equal(t, llm.RoleSystem, sent[0].Role)
		assert.Equal(t, prompts.System(), sent[0].Content)
		for _, m := range sent[1:] {
			assert.NotEqual(t, llm.RoleSystem, m.Role)
		}
	}

	th, err := l.Thread(ctx, "t")
	require.NoError(t, err)
	assert.Len(t, th.Messages, 4)
	for _, m := range th.Messages {
		assert.NotEqual(t, llm.RoleSystem, m.Role)
	}
}

func TestRun_ErrorResultIsFedBack(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("call_1", "no_such_tool", nil)),
		reply("Sorry, I could not do that."),
	}}
	l := newTestLoop(t, mock, nil)

	out, err := l.Run(context.Background(), "t", "do a thing")
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)

	th, _ := l.Thread(context.Background(), "t")
	tool := th.Messages[2]
	assert.True(t, tool.IsError)
	assert.True(t, strings.HasPrefix(tool.Content, "Error: "), tool.Content)
}

func TestRun_NormalizesCallIDs(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(
			call("", "search_web", map[string]any{"query": "a"}),
			call("dup", "search_web", map[string]any{"query": "b"}),
			call("dup", "search_web", map[string]any{"query": "c"}),
		),
		reply("done"),
	}}
	l := newTestLoop(t, mock, nil)

	_, err := l.Run(context.Background(), "t", "search three things")
	require.NoError(t, err)

	th, _ := l.Thread(context.Background(), "t")
	calls := th.Messages[1].ToolCalls
	require.Len(t, calls, 3)
	ids := map[string]bool{}
	for _, c := range calls {
		require.NotEmpty(t, c.ID)
		ids[c.ID] = true
	}
	assert.Len(t, ids, 3)
	assert.True(t, strings.HasPrefix(calls[0].ID, "call_"))
	assert.Equal(t, "dup", calls[1].ID)

	// Tool results answer the calls in emitted order.
	for i, c := range calls {
		assert.Equal(t, c.ID, th.Messages[2+i].ToolCallID)
	}
}

func TestRun_EmptyReplyFallback(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{reply("  ")}}
	l := newTestLoop(t, mock, nil)

	out, err := l.Run(context.Background(), "t", "hi")
	require.NoError(t, err)
	assert.Equal(t, prompts.EmptyResponseFallback, out.Reply)

	// The stored reply matches what the caller saw.
	th, err := l.Thread(context.Background(), "t")
	require.NoError(t, err)
	require.Len(t, th.Messages, 2)
	assert.Equal(t, prompts.EmptyResponseFallback, th.Messages[1].Content)
}

func TestRun_LLMError(t *testing.T) {
	mock := &mockLLM{err: errors.New("connection refused")}
	l := newTestLoop(t, mock, nil)

	_, err := l.Run(context.Background(), "t", "hi")
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")

	// The user message is still checkpointed.
	th, _ := l.Thread(context.Background(), "t")
	require.Len(t, th.Messages, 1)
	assert.Equal(t, "hi", th.Messages[0].Content)
}

func TestRun_MaxIterations(t *testing.T) {
	n := 0
	mock := &mockLLM{respond: func([]llm.Message) (*llm.ChatResponse, error) {
		n++
		return toolCalls(call(fmt.Sprintf("call_%d", n), "search_web", map[string]any{"query": "again"})), nil
	}}
	l := newTestLoop(t, mock, nil, func(c *Config) { c.MaxIterations = 3 })

	_, err := l.Run(context.Background(), "t", "loop forever")
	require.ErrorIs(t, err, ErrMaxIterations)
	assert.Equal(t, 3, mock.callCount())

	// Every call emitted was answered before giving up.
	th, _ := l.Thread(context.Background(), "t")
	assert.Empty(t, th.PendingCalls())
}

func TestSuspendAndResume(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("call_ask", "ask_human", map[string]any{"question": "What is your budget?"})),
		reply("With $200 I recommend the Trailmaster."),
	}}
	var got []events.Event
	l := newTestLoop(t, mock, nil, func(c *Config) {
		c.OnEvent = func(e events.Event) { got = append(got, e) }
	})
	ctx := context.Background()

	out, err := l.Run(ctx, "shop", "Which boots should I buy?")
	require.NoError(t, err)
	require.True(t, out.Suspended())
	require.NotNil(t, out.Token)
	assert.Equal(t, "What is your budget?", out.Token.Query)
	assert.Equal(t, "call_ask", out.Token.ResumePoint)
	assert.Equal(t, 0, out.Token.Cursor)
	assert.Equal(t, "shop", out.Token.ThreadID)

	pending, err := l.Pending(ctx, "shop")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, out.Token.ID, pending.ID)

	// A new message is refused while suspended.
	_, err = l.Run(ctx, "shop", "hello?")
	require.ErrorIs(t, err, ErrThreadSuspended)

	out, err = l.Resume(ctx, "shop", "$200")
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, "With $200 I recommend the Trailmaster.", out.Reply)

	th, _ := l.Thread(ctx, "shop")
	require.Len(t, th.Messages, 4)
	assert.Equal(t, llm.RoleTool, th.Messages[2].Role)
	assert.Equal(t, "call_ask", th.Messages[2].ToolCallID)
	assert.Equal(t, "$200", th.Messages[2].Content)

	pending, err = l.Pending(ctx, "shop")
	require.NoError(t, err)
	assert.Nil(t, pending)

	// Token is consumed exactly once.
	_, err = l.Resume(ctx, "shop", "$300")
	require.ErrorIs(t, err, interrupt.ErrNoPendingSuspension)

	kinds := make([]string, 0, len(got))
	for _, e := range got {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, events.KindSuspended)
	assert.Contains(t, kinds, events.KindTurnComplete)
}

func TestResume_WithoutPending(t *testing.T) {
	l := newTestLoop(t, &mockLLM{}, nil)
	_, err := l.Resume(context.Background(), "nobody", "answer")
	require.ErrorIs(t, err, interrupt.ErrNoPendingSuspension)
}

func TestResume_TokenMismatch(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	l := newTestLoop(t, &mockLLM{}, store)
	ctx := context.Background()

	require.NoError(t, store.SavePending(ctx, &interrupt.Token{
		ID:          "tok",
		ThreadID:    "t",
		Query:       "?",
		ResumePoint: "call_missing",
	}))

	_, err := l.Resume(ctx, "t", "answer")
	require.ErrorIs(t, err, conversation.ErrToolCallMismatch)
}

func TestBatch_CallsAfterAskHumanRunAfterResume(t *testing.T) {
	var searches []string
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(
			call("c1", "search_web", map[string]any{"query": "first"}),
			call("c2", "ask_human", map[string]any{"question": "Size?"}),
			call("c3", "search_web", map[string]any{"query": "after"}),
		),
		reply("done"),
	}}
	l := newTestLoop(t, mock, nil, func(c *Config) { c.Registry = testRegistry(t, &searches) })
	ctx := context.Background()

	out, err := l.Run(ctx, "t", "help")
	require.NoError(t, err)
	require.True(t, out.Suspended())
	assert.Equal(t, 1, out.Token.Cursor)
	assert.Equal(t, []string{"first"}, searches)

	th, _ := l.Thread(ctx, "t")
	require.Len(t, th.PendingCalls(), 2)

	out, err = l.Resume(ctx, "t", "42")
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, []string{"first", "after"}, searches)

	th, _ = l.Thread(ctx, "t")
	var order []string
	for _, m := range th.Messages {
		if m.Role == llm.RoleTool {
			order = append(order, m.ToolCallID)
		}
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, order)
}

func TestBatch_SecondAskHumanSuspendsAgain(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(
			call("a1", "ask_human", map[string]any{"question": "Budget?"}),
			call("a2", "ask_human", map[string]any{"question": "Size?"}),
		),
		reply("Here you go."),
	}}
	l := newTestLoop(t, mock, nil)
	ctx := context.Background()

	out, err := l.Run(ctx, "t", "boots")
	require.NoError(t, err)
	require.True(t, out.Suspended())
	assert.Equal(t, "Budget?", out.Token.Query)

	out, err = l.Resume(ctx, "t", "$100")
	require.NoError(t, err)
	require.True(t, out.Suspended())
	assert.Equal(t, "Size?", out.Token.Query)
	assert.Equal(t, "a2", out.Token.ResumePoint)
	assert.Equal(t, 1, out.Token.Cursor)
	assert.Equal(t, 1, mock.callCount())

	out, err = l.Resume(ctx, "t", "10")
	require.NoError(t, err)
	assert.Equal(t, "Here you go.", out.Reply)
}

func TestResume_DurableAcrossLoops(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := checkpoint.NewSQLStore(db, nil)
	require.NoError(t, err)
	ctx := context.Background()

	first := newTestLoop(t, &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(call("ask", "ask_human", map[string]any{"question": "Which city?"})),
	}}, store)
	out, err := first.Run(ctx, "trip", "Plan my trip")
	require.NoError(t, err)
	require.True(t, out.Suspended())

	// A fresh loop, as after a restart, picks up the suspension.
	second := newTestLoop(t, &mockLLM{responses: []*llm.ChatResponse{reply("Lisbon it is.")}}, store)
	out, err = second.Resume(ctx, "trip", "Lisbon")
	require.NoError(t, err)
	assert.Equal(t, "Lisbon it is.", out.Reply)

	th, err := store.Load(ctx, "trip")
	require.NoError(t, err)
	assert.Len(t, th.Messages, 4)
}

func TestRun_AbandonsInterruptedCalls(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	ctx := context.Background()

	th := conversation.New("t")
	require.NoError(t, th.Append(
		llm.Message{Role: llm.RoleUser, Content: "search"},
		llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call("lost", "search_web", map[string]any{"query": "x"})}},
	))
	require.NoError(t, store.Save(ctx, th))

	l := newTestLoop(t, &mockLLM{responses: []*llm.ChatResponse{reply("ok")}}, store)
	_, err := l.Run(ctx, "t", "are you there?")
	require.NoError(t, err)

	th, _ = store.Load(ctx, "t")
	require.Len(t, th.Messages, 5)
	assert.Equal(t, "lost", th.Messages[2].ToolCallID)
	assert.True(t, th.Messages[2].IsError)
	assert.Equal(t, llm.RoleUser, th.Messages[3].Role)
}

func TestRun_ParallelThreads(t *testing.T) {
	mock := &mockLLM{respond: func(messages []llm.Message) (*llm.ChatResponse, error) {
		last := messages[len(messages)-1]
		return reply("echo: " + last.Content), nil
	}}
	l := newTestLoop(t, mock, nil)
	ctx := context.Background()

	const threads = 8
	var wg conc.WaitGroup
	for i := range threads {
		wg.Go(func() {
			id := fmt.Sprintf("thread-%d", i)
			for j := range 3 {
				out, err := l.Run(ctx, id, fmt.Sprintf("%s msg %d", id, j))
				assert.NoError(t, err)
				if out != nil {
					assert.Equal(t, fmt.Sprintf("echo: %s msg %d", id, j), out.Reply)
				}
			}
		})
	}
	wg.Wait()

	for i := range threads {
		th, err := l.Thread(ctx, fmt.Sprintf("thread-%d", i))
		require.NoError(t, err)
		assert.Len(t, th.Messages, 6)
	}
	assert.Equal(t, 0, l.locks.size())
}

func TestRun_TurnTimeout(t *testing.T) {
	slow := &blockingLLM{}
	l := newTestLoop(t, slow, nil, func(c *Config) { c.TurnTimeout = 20 * time.Millisecond })

	_, err := l.Run(context.Background(), "t", "hi")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type blockingLLM struct{}

func (blockingLLM) Chat(ctx context.Context, _ string, _ []llm.Message, _ []llm.ToolSpec) (*llm.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingLLM) Ping(context.Context) error { return nil }
