// Package errlog records internal failures without ever blocking the caller.
//
// LogError is fire-and-forget: the entry is severity-gated, PII-redacted,
// fingerprinted and coalesced with recent identical faults in a detached
// goroutine bounded by a hard write deadline. Any failure inside the logger
// is counted and dropped.
package errlog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/classifier"
	wardenotel "github.com/nurettinerzen/ai-assistant-saas-sub014/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/nurettinerzen/ai-assistant-saas-sub014/internal/errlog")

var (
	writeFailures metric.Int64Counter
	entriesSeen   metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/nurettinerzen/ai-assistant-saas-sub014/internal/errlog")
	var err error
	writeFailures, err = meter.Int64Counter("warden.errlog.write_failures",
		metric.WithDescription("Error log writes dropped on failure or deadline"))
	if err != nil {
		writeFailures, _ = otel.Meter("warden.errlog").Int64Counter("warden.errlog.write_failures.fallback")
	}
	entriesSeen, err = meter.Int64Counter("warden.errlog.entries",
		metric.WithDescription("Error log entries by outcome"))
	if err != nil {
		entriesSeen, _ = otel.Meter("warden.errlog").Int64Counter("warden.errlog.entries.fallback")
	}
}

// Outcome says what happened to one entry.
type Outcome string

const (
	OutcomeInserted    Outcome = "inserted"
	OutcomeIncremented Outcome = "incremented"
	OutcomeDowngraded  Outcome = "downgraded"
)

// Config holds deduplicator settings. Zero fields take defaults.
type Config struct {
	DedupWindow  time.Duration `mapstructure:"dedup_window"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MinSeverity is the lowest severity that is persisted.
	MinSeverity Severity `mapstructure:"min_severity"`
	// ExpectedCategories and ExpectedCodes name known error classes that
	// are logged transiently and never persisted.
	ExpectedCategories []string `mapstructure:"expected_categories"`
	ExpectedCodes      []string `mapstructure:"expected_codes"`
}

// DefaultConfig returns a 60s window, a 200ms write deadline and the
// expected classes produced by normal traffic.
func DefaultConfig() Config {
	return Config{
		DedupWindow:        60 * time.Second,
		WriteTimeout:       200 * time.Millisecond,
		MinSeverity:        SeverityWarning,
		ExpectedCategories: []string{"throttle", "validation"},
		ExpectedCodes:      []string{"context_canceled", "VERIFICATION_REQUIRED"},
	}
}

// Logger is safe for concurrent use.
type Logger struct {
	repo     Repository
	scanner  *classifier.Scanner
	cfg      Config
	now      func() time.Time
	expected map[string]bool

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// New creates a Logger. scanner may be nil to skip PII redaction (tests).
func New(repo Repository, scanner *classifier.Scanner, cfg Config, opts ...Option) *Logger {
	d := DefaultConfig()
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = d.DedupWindow
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if !cfg.MinSeverity.Valid() {
		cfg.MinSeverity = d.MinSeverity
	}
	if cfg.ExpectedCategories == nil {
		cfg.ExpectedCategories = d.ExpectedCategories
	}
	if cfg.ExpectedCodes == nil {
		cfg.ExpectedCodes = d.ExpectedCodes
	}

	l := &Logger{repo: repo, scanner: scanner, cfg: cfg, now: time.Now, expected: make(map[string]bool)}
	for _, c := range cfg.ExpectedCategories {
		l.expected["category:"+strings.ToLower(c)] = true
	}
	for _, c := range cfg.ExpectedCodes {
		l.expected["code:"+c] = true
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogError records e in the background and returns immediately. The write
// is detached from ctx cancellation and bounded by the write timeout.
func (l *Logger) LogError(ctx context.Context, e Entry) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		writeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", "closed")))
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				writeFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("cause", "panic")))
				log.Error().Interface("panic", r).Msg("errlog_panic")
			}
		}()

		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.WriteTimeout)
		defer cancel()
		if _, err := l.Record(wctx, e); err != nil {
			writeFailures.Add(wctx, 1, metric.WithAttributes(attribute.String("cause", "write")))
			log.Warn().Err(err).Str("category", e.Category).Msg("errlog_write_dropped")
		}
	}()
}

// Record processes e synchronously. The write honours ctx; LogError is the
// non-blocking entry point.
func (l *Logger) Record(ctx context.Context, e Entry) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "errlog.record")
	defer span.End()

	if !e.Severity.Valid() {
		e.Severity = SeverityError
	}
	e = redact(ctx, l.scanner, e)

	if l.isExpected(e) {
		entriesSeen.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(OutcomeDowngraded))))
		log.Debug().
			Str("category", e.Category).
			Str("code", e.Code).
			Str("source", e.Source).
			Str("message", e.Message).
			Func(wardenotel.LogTraceFields(ctx)).
			Msg("expected_error")
		return OutcomeDowngraded, nil
	}

	now := l.now().UTC()
	rec := Record{
		Fingerprint: Fingerprint(e),
		Category:    e.Category,
		Severity:    e.Severity,
		Source:      e.Source,
		Code:        e.Code,
		Endpoint:    e.Endpoint,
		Tool:        e.Tool,
		TenantID:    e.TenantID,
		Message:     e.Message,
		Stack:       e.Stack,
		Context:     e.Context,
		Occurrences: 1,
		FirstSeen:   now,
		LastSeen:    now,
	}
	created, err := l.repo.Upsert(ctx, rec, l.cfg.DedupWindow)
	if err != nil {
		return "", fmt.Errorf("persisting error record: %w", err)
	}

	out := OutcomeIncremented
	if created {
		out = OutcomeInserted
	}
	entriesSeen.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(out))))
	log.Error().
		Str("fingerprint", rec.Fingerprint).
		Str("category", e.Category).
		Str("severity", string(e.Severity)).
		Str("source", e.Source).
		Str("outcome", string(out)).
		Str("message", e.Message).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("error_recorded")
	return out, nil
}

func (l *Logger) isExpected(e Entry) bool {
	if !e.Severity.AtLeast(l.cfg.MinSeverity) {
		return true
	}
	if e.Severity == SeverityCritical {
		return false
	}
	return l.expected["category:"+strings.ToLower(e.Category)] || (e.Code != "" && l.expected["code:"+e.Code])
}

// Flush waits for in-flight background writes.
func (l *Logger) Flush() {
	l.wg.Wait()
}

// Close stops accepting entries, waits for in-flight writes and closes the
// repository.
func (l *Logger) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
	return l.repo.Close()
}

// List proxies to the repository for operators.
func (l *Logger) List(ctx context.Context, f ListFilter) ([]Record, error) {
	return l.repo.List(ctx, f)
}
