// Package tools provides the tool registry: declarations advertised to
// the model, argument validation, and dispatch of tool calls to their
// handlers.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nugget/parley/internal/llm"
)

// Declaration describes a tool to the model: its name, a description,
// and a JSON Schema object for its arguments.
type Declaration = llm.ToolSpec

// Handler runs a tool. Returning a *Suspend error asks the loop to pause
// and wait for a human answer instead of producing a result.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler

	schema *gojsonschema.Schema
}

// Declaration returns the model-facing description of t.
func (t *Tool) Declaration() Declaration {
	return Declaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// Result is the outcome of one tool call. Exactly one of two shapes is
// populated: text (possibly error-flagged), or a non-nil Suspend.
type Result struct {
	Text    string
	IsError bool
	Suspend *Suspend
}

// Suspended reports whether the call asked for human input.
func (r Result) Suspended() bool { return r.Suspend != nil }

// Registry holds available tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	frozen bool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Duplicate names and invalid parameter schemas
// are rejected. Registering after Freeze panics: the tool set is fixed
// once the loop starts.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic(fmt.Sprintf("tools: Register(%q) after Freeze", t.Name))
	}
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", t.Name)
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}

	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
		t.Parameters = params
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("tool %q: invalid parameter schema: %w", t.Name, err)
	}
	t.schema = schema

	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Freeze closes the registry to further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve returns the named tool, or *ErrUnknownTool.
func (r *Registry) Resolve(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, &ErrUnknownTool{ToolName: name}
	}
	return t, nil
}

// Declarations returns every tool's declaration in registration order.
func (r *Registry) Declarations() []Declaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Declaration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Declaration())
	}
	return out
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Invoke runs a tool call. Unknown tools, schema violations and handler
// errors come back as error-flagged results rather than Go errors, so
// the model can see what went wrong and recover.
func (r *Registry) Invoke(ctx context.Context, call llm.ToolCall) Result {
	name := call.Function.Name
	t, err := r.Resolve(name)
	if err != nil {
		r.logger.Warn("unknown tool requested", "tool", name, "call_id", call.ID)
		return errorResult(err)
	}

	args := call.Function.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := t.validate(args); err != nil {
		r.logger.Debug("tool arguments rejected", "tool", name, "error", err)
		return errorResult(err)
	}

	r.logger.Debug("invoking tool", "tool", name, "call_id", call.ID)
	out, err := t.Handler(ctx, args)
	if err != nil {
		var s *Suspend
		if errors.As(err, &s) {
			return Result{Suspend: s}
		}
		r.logger.Debug("tool failed", "tool", name, "error", err)
		return errorResult(err)
	}
	return Result{Text: out}
}

func (t *Tool) validate(args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	res, err := t.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ErrInvalidArguments{ToolName: t.Name, Reason: err.Error()}
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return &ErrInvalidArguments{ToolName: t.Name, Reason: strings.Join(msgs, "; ")}
	}
	return nil
}

func errorResult(err error) Result {
	return Result{Text: "Error: " + err.Error(), IsError: true}
}

// StringArg returns args[key] as a string, or "" when absent or not a
// string.
func StringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// FormatArgs renders tool arguments compactly for logs and console
// status lines.
func FormatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}
