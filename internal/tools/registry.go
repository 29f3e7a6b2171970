// Package tools defines the tool registry the session actor dispatches into,
// plus the built-in tools backed by the shell pool, task manager, and file
// operations layer.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/stakpak/agentd/internal/llm"
)

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string // content fed back to the model
	IsError bool
}

func okResult(text string) *Result {
	if text == "" {
		text = "(no output)"
	}
	return &Result{ForLLM: text}
}

func errorResult(format string, args ...any) *Result {
	return &Result{ForLLM: fmt.Sprintf(format, args...), IsError: true}
}

// Tool is one callable tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	// Execute runs the tool. progress receives informational updates; it is
	// never nil. Cancellation arrives through ctx.
	Execute(ctx context.Context, args json.RawMessage, progress func(string)) *Result
}

// Registry holds the process's tool set.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool schemas offered to the model.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Execute looks up and runs a tool. Unknown tools are an error result, not a
// dispatch failure; the model gets to correct itself.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, progress func(string)) *Result {
	t, ok := r.Get(name)
	if !ok {
		return errorResult("unknown tool %q", name)
	}
	if progress == nil {
		progress = func(string) {}
	}
	return t.Execute(ctx, args, progress)
}
