// Package throttle implements the per-session sliding-window limiter with a
// cooldown penalty, plus an optional tenant-wide token bucket.
//
// Window state lives in a kvstore.KeyedStore so the in-memory store can be
// swapped for a shared one when running more than one instance.
package throttle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/effects"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/kvstore"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verdict"
)

const keyPrefix = "throttle/"

var rejections metric.Int64Counter

func init() {
	var err error
	rejections, err = otel.Meter("github.com/nurettinerzen/ai-assistant-saas-sub014/internal/throttle").
		Int64Counter("warden.throttle.rejections",
			metric.WithDescription("Throttled turns by reason"))
	if err != nil {
		rejections, _ = otel.Meter("warden.throttle").Int64Counter("warden.throttle.rejections.fallback")
	}
}

// Config holds limiter settings. Zero fields take defaults.
type Config struct {
	MaxMessages int           `mapstructure:"max_messages" validate:"gte=0"`
	Window      time.Duration `mapstructure:"window"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	// TenantRate is the sustained per-tenant rate in messages per second.
	// 0 disables the tenant bucket.
	TenantRate  float64 `mapstructure:"tenant_rate" validate:"gte=0"`
	TenantBurst int     `mapstructure:"tenant_burst" validate:"gte=0"`
}

// DefaultConfig returns 30 messages per 60s, 30s cooldown, 10 min staleness.
func DefaultConfig() Config {
	return Config{
		MaxMessages: 30,
		Window:      time.Minute,
		Cooldown:    30 * time.Second,
		StaleAfter:  10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.TenantRate > 0 && c.TenantBurst <= 0 {
		c.TenantBurst = 1
	}
	return c
}

// Key scopes a throttle entry. Subject is the channel user or session id;
// the same subject on two channels has two windows. An empty Channel is its
// own scope.
type Key struct {
	TenantID string
	Channel  string
	Subject  string
}

func (k Key) String() string {
	ch := k.Channel
	if ch == "" {
		ch = "-"
	}
	return keyPrefix + url.PathEscape(k.TenantID) + "/" + url.PathEscape(ch) + "/" + url.PathEscape(k.Subject)
}

// Decision is the throttle verdict for one message.
type Decision struct {
	Allowed    bool                   `json:"allowed"`
	Reason     verdict.ThrottleReason `json:"reason,omitempty"`
	RetryAfter time.Duration          `json:"-"`
	Count      int                    `json:"count"`
}

// Verdict returns the Throttled verdict for a rejected decision.
func (d Decision) Verdict() (verdict.Throttled, bool) {
	if d.Allowed {
		return verdict.Throttled{}, false
	}
	return verdict.Throttled{Reason: d.Reason, RetryAfter: d.RetryAfter, Count: d.Count}, true
}

type entry struct {
	Hits          []time.Time `json:"hits"`
	CooldownUntil time.Time   `json:"cooldown_until,omitempty"`
}

// Limiter is safe for concurrent use.
type Limiter struct {
	kv  kvstore.KeyedStore
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	tenants map[string]*rate.Limiter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter.
func New(kv kvstore.KeyedStore, cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		kv:      kv,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		tenants: make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check records one message for key and decides whether it may proceed.
// In a dry-run scope it behaves like Peek.
func (l *Limiter) Check(ctx context.Context, scope effects.Scope, key Key) (Decision, error) {
	if err := scope.Permit(effects.KindThrottle); err != nil {
		return l.Peek(ctx, key)
	}
	now := l.now()

	var tenantRes *rate.Reservation
	if lim := l.tenantLimiter(key.TenantID); lim != nil {
		tenantRes = lim.ReserveN(now, 1)
		if delay := tenantRes.DelayFrom(now); !tenantRes.OK() || delay > 0 {
			tenantRes.CancelAt(now)
			d := Decision{Reason: verdict.ReasonTenantRateLimit, RetryAfter: delay}
			l.reject(ctx, key, d)
			return d, nil
		}
	}

	var d Decision
	_, err := l.kv.Update(ctx, key.String(), func(current []byte, found bool) ([]byte, time.Duration, error) {
		e, err := decode(current, found)
		if err != nil {
			return nil, 0, err
		}
		d = l.decide(&e, now, true)
		raw, err := json.Marshal(e)
		return raw, l.ttl(e, now), err
	})
	if err != nil {
		if tenantRes != nil {
			tenantRes.CancelAt(now)
		}
		return Decision{}, fmt.Errorf("throttle check: %w", err)
	}
	if !d.Allowed {
		if tenantRes != nil {
			tenantRes.CancelAt(now)
		}
		l.reject(ctx, key, d)
	}
	return d, nil
}

// Peek returns the decision Check would make without recording anything.
func (l *Limiter) Peek(ctx context.Context, key Key) (Decision, error) {
	now := l.now()
	if lim := l.tenantLimiter(key.TenantID); lim != nil && lim.TokensAt(now) < 1 {
		return Decision{Reason: verdict.ReasonTenantRateLimit, RetryAfter: time.Second}, nil
	}

	raw, err := l.kv.Get(ctx, key.String())
	found := err == nil
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return Decision{}, fmt.Errorf("throttle peek: %w", err)
	}
	e, err := decode(raw, found)
	if err != nil {
		return Decision{}, err
	}
	return l.decide(&e, now, false), nil
}

// Reset clears the window and any cooldown for key, e.g. after a human
// handoff.
func (l *Limiter) Reset(ctx context.Context, scope effects.Scope, key Key) error {
	if err := scope.Permit(effects.KindThrottle); err != nil {
		return err
	}
	if err := l.kv.Delete(ctx, key.String()); err != nil {
		return fmt.Errorf("throttle reset: %w", err)
	}
	log.Info().Str("tenant_id", key.TenantID).Str("channel", key.Channel).Str("subject", key.Subject).Msg("throttle_reset")
	return nil
}

// decide applies the window rules to e at now. When record is true the
// message is counted on success and a breach starts the cooldown.
func (l *Limiter) decide(e *entry, now time.Time, record bool) Decision {
	if !e.CooldownUntil.IsZero() {
		if now.Before(e.CooldownUntil) {
			return Decision{
				Reason:     verdict.ReasonSessionCooldown,
				RetryAfter: e.CooldownUntil.Sub(now),
				Count:      len(e.Hits),
			}
		}
		// cooldown over: the window starts fresh
		e.Hits = nil
		e.CooldownUntil = time.Time{}
	}

	cutoff := now.Add(-l.cfg.Window)
	kept := e.Hits[:0]
	for _, h := range e.Hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	e.Hits = kept

	if len(e.Hits) >= l.cfg.MaxMessages {
		if record {
			e.CooldownUntil = now.Add(l.cfg.Cooldown)
		}
		return Decision{
			Reason:     verdict.ReasonSessionRateLimit,
			RetryAfter: l.cfg.Cooldown,
			Count:      len(e.Hits) + 1,
		}
	}
	if record {
		e.Hits = append(e.Hits, now)
		return Decision{Allowed: true, Count: len(e.Hits)}
	}
	return Decision{Allowed: true, Count: len(e.Hits) + 1}
}

// ttl keeps an entry until it has been idle for StaleAfter and any cooldown
// has ended.
func (l *Limiter) ttl(e entry, now time.Time) time.Duration {
	ttl := l.cfg.StaleAfter
	if rem := e.CooldownUntil.Sub(now); rem > ttl {
		ttl = rem
	}
	return ttl
}

func (l *Limiter) tenantLimiter(tenantID string) *rate.Limiter {
	if l.cfg.TenantRate <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.tenants[tenantID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.TenantRate), l.cfg.TenantBurst)
		l.tenants[tenantID] = lim
	}
	return lim
}

func (l *Limiter) reject(ctx context.Context, key Key, d Decision) {
	rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(d.Reason))))
	log.Info().
		Str("tenant_id", key.TenantID).
		Str("channel", key.Channel).
		Str("subject", key.Subject).
		Str("reason", string(d.Reason)).
		Dur("retry_after", d.RetryAfter).
		Int("count", d.Count).
		Msg("turn_throttled")
}

func decode(raw []byte, found bool) (entry, error) {
	var e entry
	if !found || len(raw) == 0 {
		return e, nil
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, fmt.Errorf("decoding throttle entry: %w", err)
	}
	return e, nil
}
