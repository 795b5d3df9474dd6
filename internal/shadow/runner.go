// Package shadow runs a candidate turn pipeline next to production with all
// side effects disabled, compares the two outcomes and aggregates the
// differences. The production outcome is always the one returned.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/classifier"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/effects"
	wardenotel "github.com/nurettinerzen/ai-assistant-saas-sub014/internal/otel"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/pipeline"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/requestctx"
)

var tracer = wardenotel.Tracer("github.com/nurettinerzen/ai-assistant-saas-sub014/internal/shadow")

// ScopeLabel labels the candidate's dry-run scope in logs.
const ScopeLabel = "shadow"

// Handler runs one turn. *pipeline.Pipeline implements it.
type Handler interface {
	HandleTurn(ctx context.Context, scope effects.Scope, t pipeline.Turn) (*pipeline.Outcome, error)
}

// Config holds runner settings. Zero fields take defaults.
type Config struct {
	// SampleRate is the fraction of turns that are shadowed, in (0, 1].
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
	// CandidateTimeout bounds how long a turn waits for the candidate.
	CandidateTimeout time.Duration `mapstructure:"candidate_timeout"`
	BufferSize       int           `mapstructure:"buffer_size" validate:"gte=0"`
}

// DefaultConfig shadows every turn, waits at most 5s for the candidate and
// keeps the last 500 comparisons.
func DefaultConfig() Config {
	return Config{SampleRate: 1, CandidateTimeout: 5 * time.Second, BufferSize: DefaultBufferSize}
}

// Observation is what one side produced.
type Observation struct {
	Verdict         string        `json:"verdict"`
	Reply           string        `json:"-"`
	Success         bool          `json:"success"`
	ClaimGuardFired bool          `json:"claim_guard_fired"`
	Latency         time.Duration `json:"latency"`
	Error           string        `json:"error,omitempty"`
}

// Comparison is the diff of one shadowed turn. It holds no user content
// beyond what the ring buffer needs and is never persisted.
type Comparison struct {
	RequestID    string      `json:"request_id"`
	TenantID     string      `json:"tenant_id"`
	Production   Observation `json:"production"`
	Candidate    Observation `json:"candidate"`
	SuccessMatch bool        `json:"success_match"`
	RepliesEqual bool        `json:"replies_equal"`
	// Regression is a candidate-only failure, or production's claim guard
	// firing where the candidate's did not.
	Regression bool `json:"regression"`
	// Improvement is the reverse of Regression.
	Improvement bool      `json:"improvement"`
	At          time.Time `json:"at"`
}

// Match reports whether both sides agreed on success and reply.
func (c Comparison) Match() bool { return c.SuccessMatch && c.RepliesEqual }

// Compare diffs two observations.
func Compare(prod, cand Observation) Comparison {
	c := Comparison{
		Production:   prod,
		Candidate:    cand,
		SuccessMatch: prod.Success == cand.Success,
		RepliesEqual: classifier.NormalizeWhitespace(prod.Reply) == classifier.NormalizeWhitespace(cand.Reply),
	}
	c.Regression = (prod.Success && !cand.Success) ||
		(prod.ClaimGuardFired && !cand.ClaimGuardFired)
	c.Improvement = (!prod.Success && cand.Success) ||
		(!prod.ClaimGuardFired && cand.ClaimGuardFired)
	return c
}

// Runner is safe for concurrent use.
type Runner struct {
	production Handler
	candidate  Handler
	cfg        Config
	buf        *Buffer
	sample     func() float64
	now        func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithRandom overrides the sampling source; f returns values in [0, 1).
func WithRandom(f func() float64) Option {
	return func(r *Runner) { r.sample = f }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner. candidate may be nil, in which case Run only
// calls production.
func NewRunner(production, candidate Handler, cfg Config, opts ...Option) *Runner {
	d := DefaultConfig()
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = d.SampleRate
	}
	if cfg.CandidateTimeout <= 0 {
		cfg.CandidateTimeout = d.CandidateTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	r := &Runner{
		production: production,
		candidate:  candidate,
		cfg:        cfg,
		buf:        NewBuffer(cfg.BufferSize),
		sample:     rand.Float64,
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Enabled reports whether a candidate is configured.
func (r *Runner) Enabled() bool { return r.candidate != nil }

// Stats returns aggregates over the recent comparisons.
func (r *Runner) Stats() Stats { return r.buf.Stats() }

// Recent returns the retained comparisons, oldest first.
func (r *Runner) Recent() []Comparison { return r.buf.Snapshot() }

// Run executes production under scope and, for sampled turns, the candidate
// under a fresh dry-run scope. Both run concurrently; Run returns once
// production settles and the candidate has either answered or timed out. The production outcome and error are
// returned unchanged whatever the candidate does.
func (r *Runner) Run(ctx context.Context, scope effects.Scope, t pipeline.Turn) (*pipeline.Outcome, error) {
	if r.candidate == nil || r.sample() >= r.cfg.SampleRate {
		return r.production.HandleTurn(ctx, scope, t)
	}

	if requestctx.RequestID(ctx) == "" {
		ctx = requestctx.SetRequestID(ctx, "req_"+uuid.New().String()[:8])
	}
	ctx, span := tracer.Start(ctx, "shadow.run")
	defer span.End()

	var (
		prodOut         *pipeline.Outcome
		prodErr         error
		prodObs, cndObs Observation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := r.now()
		prodOut, prodErr = r.production.HandleTurn(ctx, scope, t)
		prodObs = observe(prodOut, prodErr, r.now().Sub(start))
		return nil
	})
	g.Go(func() error {
		cndObs = r.observeCandidate(gctx, t)
		return nil
	})
	_ = g.Wait()

	c := Compare(prodObs, cndObs)
	c.RequestID = requestctx.RequestID(ctx)
	c.TenantID = t.TenantID
	c.At = r.now().UTC()
	r.buf.Add(c)
	observeComparison(c)

	span.SetAttributes(
		attribute.Bool("shadow.match", c.Match()),
		attribute.Bool("shadow.regression", c.Regression),
		attribute.Bool("shadow.improvement", c.Improvement),
	)
	ev := log.Debug()
	if c.Regression {
		ev = log.Warn()
	}
	ev.Str("request_id", c.RequestID).
		Str("tenant_id", c.TenantID).
		Bool("match", c.Match()).
		Bool("regression", c.Regression).
		Bool("improvement", c.Improvement).
		Str("production_verdict", prodObs.Verdict).
		Str("candidate_verdict", cndObs.Verdict).
		Str("candidate_error", cndObs.Error).
		Dur("production_latency", prodObs.Latency).
		Dur("candidate_latency", cndObs.Latency).
		Msg("shadow_compared")

	return prodOut, prodErr
}

// observeCandidate waits for the candidate at most CandidateTimeout. A
// candidate that ignores cancellation is left to finish on its own under its
// dry-run scope; its late result is dropped.
func (r *Runner) observeCandidate(ctx context.Context, t pipeline.Turn) Observation {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CandidateTimeout)
	defer cancel()
	start := r.now()
	done := make(chan Observation, 1)
	go func() {
		out, err := r.runCandidate(cctx, t)
		done <- observe(out, err, r.now().Sub(start))
	}()
	select {
	case o := <-done:
		return o
	case <-cctx.Done():
		o := Observation{Latency: r.now().Sub(start), Error: "timeout"}
		if !errors.Is(cctx.Err(), context.DeadlineExceeded) {
			o.Error = cctx.Err().Error()
		}
		return o
	}
}

// runCandidate turns a candidate panic into an error.
func (r *Runner) runCandidate(ctx context.Context, t pipeline.Turn) (out *pipeline.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("candidate panic: %v", p)
		}
	}()
	return r.candidate.HandleTurn(ctx, effects.DryRun(ScopeLabel), t)
}

func observe(out *pipeline.Outcome, err error, latency time.Duration) Observation {
	o := Observation{Latency: latency}
	switch {
	case err != nil:
		o.Error = err.Error()
	case out == nil:
		o.Error = "no outcome"
	default:
		if out.Verdict != nil {
			o.Verdict = string(out.Verdict.Kind())
		}
		o.Reply = out.Reply()
		o.ClaimGuardFired = out.ClaimGuardFired()
		o.Success = !out.Failed()
		o.Error = out.Failure
	}
	return o
}
