// Package testutil provides shared test helpers, mocks, and utilities for
// warden tests.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/effects"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/pipeline"
)

// MockResponder implements pipeline.Responder with canned answers.
// PlanFn and ComposeFn, when set, take precedence over Plan and Draft.
// Set Err to make both calls fail.
type MockResponder struct {
	Plan      pipeline.Plan
	Draft     pipeline.Draft
	PlanFn    func(pipeline.PlanRequest) pipeline.Plan
	ComposeFn func(pipeline.ComposeRequest) pipeline.Draft
	Err       error

	mu       sync.Mutex
	Composed []pipeline.ComposeRequest
	Scopes   []effects.Scope
}

func (m *MockResponder) plan(req pipeline.PlanRequest) pipeline.Plan {
	if m.PlanFn != nil {
		return m.PlanFn(req)
	}
	return m.Plan
}

func (m *MockResponder) compose(req pipeline.ComposeRequest) pipeline.Draft {
	m.mu.Lock()
	m.Composed = append(m.Composed, req)
	m.mu.Unlock()
	if m.ComposeFn != nil {
		return m.ComposeFn(req)
	}
	return m.Draft
}

// Responder adapts m to pipeline.Responder.
func (m *MockResponder) Responder() pipeline.Responder { return mockResponder{m} }

// LastCompose returns the most recent compose request.
func (m *MockResponder) LastCompose() (pipeline.ComposeRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Composed) == 0 {
		return pipeline.ComposeRequest{}, false
	}
	return m.Composed[len(m.Composed)-1], true
}

// DryRunCalls counts calls made under a dry-run scope.
func (m *MockResponder) DryRunCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.Scopes {
		if s.IsDryRun() {
			n++
		}
	}
	return n
}

func (m *MockResponder) sawScope(scope effects.Scope) {
	m.mu.Lock()
	m.Scopes = append(m.Scopes, scope)
	m.mu.Unlock()
}

type mockResponder struct{ m *MockResponder }

func (r mockResponder) Plan(_ context.Context, scope effects.Scope, req pipeline.PlanRequest) (pipeline.Plan, error) {
	r.m.sawScope(scope)
	if r.m.Err != nil {
		return pipeline.Plan{}, r.m.Err
	}
	return r.m.plan(req), nil
}

func (r mockResponder) Compose(_ context.Context, scope effects.Scope, req pipeline.ComposeRequest) (pipeline.Draft, error) {
	r.m.sawScope(scope)
	if r.m.Err != nil {
		return pipeline.Draft{}, r.m.Err
	}
	return r.m.compose(req), nil
}

// CountingTool implements tools.Tool and counts real executions.
type CountingTool struct {
	ToolName    string
	Effects     bool
	IsSensitive bool
	Output      json.RawMessage
	Err         error

	Calls atomic.Int32
}

func (c *CountingTool) Name() string                 { return c.ToolName }
func (c *CountingTool) Description() string          { return "test tool " + c.ToolName }
func (c *CountingTool) InputSchema() json.RawMessage { return nil }
func (c *CountingTool) SideEffects() bool            { return c.Effects }
func (c *CountingTool) Sensitive() bool              { return c.IsSensitive }

// Execute counts the call and returns Output or Err.
func (c *CountingTool) Execute(_ context.Context, _ effects.Scope, _ json.RawMessage) (json.RawMessage, error) {
	c.Calls.Add(1)
	if c.Err != nil {
		return nil, c.Err
	}
	if c.Output == nil {
		return json.RawMessage(`{"ok":true}`), nil
	}
	return c.Output, nil
}
