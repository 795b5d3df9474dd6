package testutil

import (
	"path/filepath"
	"testing"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/classifier"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/errlog"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/evidence"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/guard"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/idempotency"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/kvstore"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/locale"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/pipeline"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/session"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/throttle"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tools"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verification"
)

// Harness wires a complete in-memory pipeline for tests. Audit records and
// error logs go to SQLite files in a temp dir.
type Harness struct {
	KV          *kvstore.Memory
	Locales     *locale.Set
	Scanner     *classifier.Scanner
	Tools       *tools.Registry
	Resolver    *verification.StaticResolver
	Sessions    *session.Store
	Throttle    *throttle.Limiter
	Idempotency *idempotency.Cache
	Verifier    *verification.Machine
	Guard       *guard.Guard
	AuditStore  *evidence.Store
	Errors      *errlog.Logger
	Responder   *MockResponder
	Pipeline    *pipeline.Pipeline
}

// HarnessOption tweaks a Harness before the pipeline is built.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	throttle throttle.Config
}

// WithThrottle overrides the throttle config.
func WithThrottle(cfg throttle.Config) HarnessOption {
	return func(c *harnessConfig) { c.throttle = cfg }
}

// NewHarness builds a Harness. The resolver knows ORD-001 (Alice Smith) and
// ORD-002 (Bob Jones) for TestTenantID.
func NewHarness(t *testing.T, opts ...HarnessOption) *Harness {
	t.Helper()
	cfg := harnessConfig{throttle: throttle.DefaultConfig()}
	for _, o := range opts {
		o(&cfg)
	}

	h := &Harness{
		KV:        kvstore.NewMemory(),
		Locales:   locale.MustLoad(),
		Scanner:   classifier.MustNewScanner(),
		Tools:     tools.NewRegistry(),
		Resolver:  verification.NewStaticResolver(),
		Responder: &MockResponder{},
	}
	h.Resolver.Add(TestTenantID, "ORD-001", verification.Record{ID: "rec-1", Name: "Alice Smith", Phone: "+905321112233", Email: "alice@example.com"})
	h.Resolver.Add(TestTenantID, "ORD-002", verification.Record{ID: "rec-2", Name: "Bob Jones", Phone: "+905329998877", Email: "bob@example.com"})

	h.Sessions = session.NewStore(h.KV)
	h.Throttle = throttle.New(h.KV, cfg.throttle)
	h.Idempotency = idempotency.New(h.KV, idempotency.WithSweepProbability(0))
	h.Verifier = verification.NewMachine(h.Resolver, h.Locales)
	h.Guard = guard.New(h.Locales, h.Scanner)
	h.AuditStore = NewTestAuditStore(t)

	repo, err := errlog.NewSQLiteRepository(filepath.Join(t.TempDir(), "errors.db"))
	if err != nil {
		t.Fatal(err)
	}
	h.Errors = errlog.New(repo, h.Scanner, errlog.Config{})
	t.Cleanup(func() { h.Errors.Close() })

	h.Pipeline = h.Build(h.Responder)
	return h
}

// Build returns a pipeline over the harness state with a different responder,
// e.g. a shadow candidate.
func (h *Harness) Build(r *MockResponder) *pipeline.Pipeline {
	return h.BuildWith(r.Responder())
}

// BuildWith is Build for any responder, e.g. an HTTPResponder against a
// ResponderServer.
func (h *Harness) BuildWith(r pipeline.Responder) *pipeline.Pipeline {
	return pipeline.New(pipeline.Deps{
		Throttle:    h.Throttle,
		Sessions:    h.Sessions,
		Verifier:    h.Verifier,
		Tools:       h.Tools,
		Idempotency: h.Idempotency,
		Guard:       h.Guard,
		Locales:     h.Locales,
		Responder:   r,
		Audit:       evidence.NewGenerator(h.AuditStore),
		Errors:      h.Errors,
	})
}
