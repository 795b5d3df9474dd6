// Package idempotency deduplicates tool execution under at-least-once
// inbound delivery. A tool call is identified by (tenant, channel, inbound
// message id, tool name); the first completed execution is stored and every
// later delivery of the same message gets that result back unchanged.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/effects"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/kvstore"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/requestctx"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tools"
)

const (
	// DefaultTTL is how long an execution result is remembered.
	DefaultTTL = time.Hour
	// DefaultSweepProbability is the chance that a write also sweeps
	// expired entries.
	DefaultSweepProbability = 0.01

	keyPrefix = "idem/"
)

// ErrMiss is returned by Lookup when no result is stored for the key.
var ErrMiss = errors.New("idempotency cache miss")

var lookups metric.Int64Counter

func init() {
	var err error
	lookups, err = otel.Meter("github.com/nurettinerzen/ai-assistant-saas-sub014/internal/idempotency").
		Int64Counter("warden.idempotency.lookups",
			metric.WithDescription("Idempotency cache lookups by outcome"))
	if err != nil {
		lookups, _ = otel.Meter("warden.idempotency").Int64Counter("warden.idempotency.lookups.fallback")
	}
}

// Key identifies one logical tool invocation.
type Key struct {
	TenantID  string `json:"tenant_id" validate:"required"`
	Channel   string `json:"channel" validate:"required"`
	MessageID string `json:"message_id" validate:"required"`
	Tool      string `json:"tool" validate:"required"`
}

// String returns the store key. Components are path-escaped so a '/' inside
// an id cannot collide with another key.
func (k Key) String() string {
	return keyPrefix + strings.Join([]string{
		url.PathEscape(k.TenantID),
		url.PathEscape(k.Channel),
		url.PathEscape(k.MessageID),
		url.PathEscape(k.Tool),
	}, "/")
}

// Valid reports whether every component is set.
func (k Key) Valid() bool {
	return k.TenantID != "" && k.Channel != "" && k.MessageID != "" && k.Tool != ""
}

// Record is the stored snapshot.
type Record struct {
	Key      string       `json:"key"`
	Result   tools.Result `json:"result"`
	StoredAt time.Time    `json:"stored_at"`
}

// Cache is safe for concurrent use.
type Cache struct {
	kv        kvstore.KeyedStore
	ttl       time.Duration
	sweepProb float64
	roll      func() float64
	now       func() time.Time
	flights   singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithSweepProbability overrides DefaultSweepProbability. 0 disables
// write-triggered sweeps.
func WithSweepProbability(p float64) Option {
	return func(c *Cache) { c.sweepProb = p }
}

// WithRandom overrides the random source used for sweep sampling (tests).
func WithRandom(roll func() float64) Option {
	return func(c *Cache) { c.roll = roll }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache over kv.
func New(kv kvstore.KeyedStore, opts ...Option) *Cache {
	c := &Cache{
		kv:        kv,
		ttl:       DefaultTTL,
		sweepProb: DefaultSweepProbability,
		roll:      rand.Float64,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Lookup returns the stored result for key, or ErrMiss.
func (c *Cache) Lookup(ctx context.Context, key Key) (tools.Result, error) {
	raw, err := c.kv.Get(ctx, key.String())
	if errors.Is(err, kvstore.ErrNotFound) {
		lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "miss")))
		return tools.Result{}, ErrMiss
	}
	if err != nil {
		return tools.Result{}, fmt.Errorf("idempotency lookup: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return tools.Result{}, fmt.Errorf("decoding idempotency record: %w", err)
	}
	lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "hit")))
	res := rec.Result
	res.Cached = true
	return res, nil
}

// Store records result for key. The first stored result wins: storing
// again for the same key leaves the original in place and returns it.
func (c *Cache) Store(ctx context.Context, scope effects.Scope, key Key, result tools.Result) (tools.Result, error) {
	if err := scope.Permit(effects.KindCacheFill); err != nil {
		return result, err
	}
	result.Cached = false
	stored := result
	_, err := c.kv.Update(ctx, key.String(), func(current []byte, found bool) ([]byte, time.Duration, error) {
		if found {
			var rec Record
			if err := json.Unmarshal(current, &rec); err == nil {
				stored = rec.Result
				return current, c.ttl, nil
			}
		}
		raw, err := json.Marshal(Record{Key: key.String(), Result: result, StoredAt: c.now().UTC()})
		return raw, c.ttl, err
	})
	if err != nil {
		return result, fmt.Errorf("idempotency store: %w", err)
	}
	c.maybeSweep(ctx)
	return stored, nil
}

// Execute returns the stored result for key when there is one. Otherwise it
// runs fn once, even under concurrent duplicate deliveries, and stores the
// completed result. Dry-run scopes read the cache but never fill it, and
// never share an in-flight execution with a live scope.
func (c *Cache) Execute(ctx context.Context, scope effects.Scope, key Key, fn func(ctx context.Context) tools.Result) (tools.Result, error) {
	if !key.Valid() {
		return tools.Result{}, fmt.Errorf("idempotency key incomplete: %+v", key)
	}
	if res, err := c.Lookup(ctx, key); err == nil {
		log.Debug().Str("key", key.String()).Msg("tool_cache_hit")
		return res, nil
	} else if !errors.Is(err, ErrMiss) {
		return tools.Result{}, err
	}

	flight := key.String()
	if scope.IsDryRun() {
		flight = "dry:" + flight
	}
	v, err, _ := c.flights.Do(flight, func() (any, error) {
		if res, err := c.Lookup(ctx, key); err == nil {
			return res, nil
		}
		res := fn(requestctx.SetIdempotencyKey(ctx, key.String()))
		if scope.IsDryRun() || res.DryRun {
			return res, nil
		}
		return c.Store(ctx, scope, key, res)
	})
	if err != nil {
		return tools.Result{}, err
	}
	return v.(tools.Result), nil
}

func (c *Cache) maybeSweep(ctx context.Context) {
	if c.sweepProb <= 0 || c.roll() >= c.sweepProb {
		return
	}
	removed, err := c.kv.Sweep(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("idempotency_sweep_failed")
		return
	}
	log.Debug().Int("removed", removed).Msg("idempotency_sweep")
}
