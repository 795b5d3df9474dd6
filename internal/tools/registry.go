// Package tools defines the tenant tools the assistant may call and a
// thread-safe registry for them. Every execution receives an effects.Scope;
// tools with side effects are never run in a dry-run scope.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/effects"
)

// Status tags a tool result for the guards.
type Status string

const (
	StatusOK                   Status = "OK"
	StatusFail                 Status = "FAIL"
	StatusVerificationRequired Status = "VERIFICATION_REQUIRED"
)

// Result is the snapshot of one tool execution.
type Result struct {
	Tool   string          `json:"tool"`
	Status Status          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	// DryRun is set when the result was simulated instead of executed.
	DryRun bool `json:"dry_run,omitempty"`
	// Cached is set when the result came from the idempotency cache.
	Cached bool `json:"cached,omitempty"`
}

// AnyOK reports whether at least one result succeeded.
func AnyOK(results []Result) bool {
	for _, r := range results {
		if r.Status == StatusOK {
			return true
		}
	}
	return false
}

// Tool is implemented by every tenant tool.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	// SideEffects reports whether Execute changes external state.
	SideEffects() bool
	// Sensitive reports whether the output discloses a record's protected
	// fields and therefore needs a VERIFIED session for that record.
	Sensitive() bool
	Execute(ctx context.Context, scope effects.Scope, args json.RawMessage) (json.RawMessage, error)
}

// Registry holds tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
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

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
