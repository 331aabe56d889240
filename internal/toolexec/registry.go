// Package toolexec implements the Tool Executor (spec §4.8): a registry
// mapping tool name to {schema, handler, category}, plus the deliberate
// memory_query tool (spec §4.9).
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"sessioncore/internal/llmtypes"
)

// Category groups a tool for observability/governance purposes (spec
// §4.8: "category ∈ {web, memory, …}").
type Category string

const (
	CategoryWeb    Category = "web"
	CategoryMemory Category = "memory"
)

// Handler executes one tool invocation. Handlers may be slow; the
// Registry does not impose its own timeout (spec §5: "handler-local").
type Handler func(ctx context.Context, input json.RawMessage) (content string, isError bool)

type entry struct {
	schema   llmtypes.ToolSchema
	handler  Handler
	category Category
}

// Registry is the Tool Executor's name -> {schema, handler, category} map.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Register adds or replaces a tool.
func (r *Registry) Register(schema llmtypes.ToolSchema, category Category, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[schema.Name] = entry{schema: schema, handler: handler, category: category}
}

// Clone returns a shallow copy of r: a fresh map holding the same entries,
// so a caller can layer request-scoped tools (e.g. memory_query bound to a
// specific conversation/entity) on top without mutating the shared base.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := &Registry{entries: make(map[string]entry, len(r.entries))}
	for k, v := range r.entries {
		out.entries[k] = v
	}
	return out
}

// Schemas returns every registered tool's schema, for the LLM client's
// tool-use declaration.
func (r *Registry) Schemas() []llmtypes.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llmtypes.ToolSchema, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.schema)
	}
	return out
}

// Result is what execute(name, input) returns per spec §4.8.
type Result struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Execute runs one tool_use block. Unknown tool names produce an
// is_error result rather than a Go error: the model may react to it
// (spec §7 "Tool handler failure").
func (r *Registry) Execute(ctx context.Context, toolUseID, name string, input json.RawMessage) Result {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Result{ToolUseID: toolUseID, Content: fmt.Sprintf("unknown tool %q", name), IsError: true}
	}
	content, isErr := e.handler(ctx, input)
	return Result{ToolUseID: toolUseID, Content: content, IsError: isErr}
}
