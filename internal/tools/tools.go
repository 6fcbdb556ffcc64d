// Package tools defines the tools available to the agent and the gate
// every tool call passes through: look up, validate, execute.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nugget/warden/internal/llm"
	"github.com/nugget/warden/internal/schema"
	"github.com/nugget/warden/internal/secrets"
)

// Tool is a callable capability exposed to the model.
type Tool interface {
	// Name is the identifier the model calls the tool by.
	Name() string
	// Description tells the model what the tool does.
	Description() string
	// Parameters declares the accepted arguments. The registry rejects
	// calls that do not satisfy it before Execute runs.
	Parameters() *schema.Schema
	// Execute runs the tool with validated arguments and returns the
	// text handed back to the model.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Handler is the function form of Tool.Execute.
type Handler func(ctx context.Context, args map[string]any) (string, error)

type funcTool struct {
	name        string
	description string
	params      *schema.Schema
	handler     Handler
}

func (t *funcTool) Name() string               { return t.name }
func (t *funcTool) Description() string        { return t.description }
func (t *funcTool) Parameters() *schema.Schema { return t.params }
func (t *funcTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.handler(ctx, args)
}

// NewFunc wraps a handler as a Tool.
func NewFunc(name, description string, params *schema.Schema, h Handler) Tool {
	if params == nil {
		params = schema.Object()
	}
	return &funcTool{name: name, description: description, params: params, handler: h}
}

// Registry holds available tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger

	knownSecrets []string
	mask         string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// SetRedaction masks known secrets, and values of sensitive-looking
// keys, in tool errors before they are logged or returned.
func (r *Registry) SetRedaction(known []string, mask string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.knownSecrets = append([]string(nil), known...)
	r.mask = mask
}

func (r *Registry) redact(text string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return secrets.Redact(text, r.knownSecrets, r.mask)
}

// Register adds a tool. A second tool with the same name is rejected
// with ErrAlreadyRegistered.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Lookup returns the named tool or an *ErrToolUnavailable.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, &ErrToolUnavailable{ToolName: name}
	}
	return t, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Definitions returns the provider-facing tool declarations sorted by
// name.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		params := t.Parameters()
		if params == nil {
			params = schema.Object()
		}
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  params,
			},
		})
	}
	slices.SortFunc(defs, func(a, b llm.ToolDefinition) int {
		return strings.Compare(a.Function.Name, b.Function.Name)
	})
	return defs
}

// Execute runs one tool call and always returns the text to hand back
// to the model. Arguments are validated against the tool's schema
// first; a call that fails validation never reaches the tool. Lookup
// failures, tool errors and tool panics are reported as text rather
// than returned.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) string {
	out, _ := r.Invoke(ctx, name, args)
	return out
}

// Invoke is Execute that also reports whether the tool ran and
// succeeded. ok is false for unknown tools, rejected arguments, tool
// errors and panics.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (out string, ok bool) {
	t, err := r.Lookup(name)
	if err != nil {
		r.logger.Warn("unknown tool requested", "tool", name)
		return "Error: " + err.Error(), false
	}

	if errs := schema.Validate(t.Parameters(), args); len(errs) > 0 {
		r.logger.Debug("tool arguments rejected", "tool", name, "errors", errs)
		return "Invalid parameters: " + strings.Join(errs, "; "), false
	}

	start := time.Now()
	out, err = r.run(ctx, t, args)
	elapsed := time.Since(start)
	if err != nil {
		msg := r.redact(err.Error())
		r.logger.Warn("tool failed", "tool", name, "elapsed", elapsed, "error", msg)
		return fmt.Sprintf("Error executing %s: %s", name, msg), false
	}
	r.logger.Debug("tool executed", "tool", name, "elapsed", elapsed, "result_len", len(out))
	return out, true
}

func (r *Registry) run(ctx context.Context, t Tool, args map[string]any) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			r.logger.Error("tool panicked", "tool", t.Name(), "panic", r.redact(fmt.Sprint(p)))
		}
	}()
	return t.Execute(ctx, args)
}

// Args helpers. Arguments arrive decoded from JSON, so numbers are
// float64 and may need converting.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}
