package errlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/classifier"
)

func newSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "errors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestFingerprint_IgnoresDynamicTokens(t *testing.T) {
	a := Entry{Category: "tool", Source: "pipeline", Code: "TIMEOUT", Tool: "cancel_order",
		Message: "order 48213 timed out at 2026-03-01T10:00:00Z (req 3f2b9c1e-5d4a-4e8b-9c1d-2a3b4c5d6e7f)"}
	b := a
	b.Message = "order 99120 timed out at 2026-03-01T10:05:13Z (req 0a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d)"
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	c := a
	c.Tool = "create_ticket"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))

	d := a
	d.Message = "order 48213 rejected"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(d))
}

func TestRecord_CoalescesWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	repo := newSQLite(t)
	l := New(repo, nil, Config{}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	out, err := l.Record(ctx, Entry{Category: "tool", Severity: SeverityError, Source: "pipeline", Message: "upstream failed for order 1001"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, out)

	now = now.Add(20 * time.Second)
	out, err = l.Record(ctx, Entry{Category: "tool", Severity: SeverityError, Source: "pipeline", Message: "upstream failed for order 2002"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIncremented, out)

	recs, err := l.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Occurrences)
	assert.Equal(t, now, recs[0].LastSeen)
	assert.Equal(t, now.Add(-20*time.Second), recs[0].FirstSeen)

	// the window slides with last_seen
	now = now.Add(50 * time.Second)
	out, err = l.Record(ctx, Entry{Category: "tool", Severity: SeverityError, Source: "pipeline", Message: "upstream failed for order 3003"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIncremented, out)

	now = now.Add(2 * time.Minute)
	out, err = l.Record(ctx, Entry{Category: "tool", Severity: SeverityError, Source: "pipeline", Message: "upstream failed for order 4004"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, out)

	recs, err = l.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].Occurrences)
	assert.Equal(t, 3, recs[1].Occurrences)
}

func TestRecord_SeverityGate(t *testing.T) {
	repo := newSQLite(t)
	l := New(repo, nil, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		e    Entry
		want Outcome
	}{
		{"below min severity", Entry{Category: "tool", Severity: SeverityInfo, Message: "retrying"}, OutcomeDowngraded},
		{"expected category", Entry{Category: "Throttle", Severity: SeverityError, Message: "rate limited"}, OutcomeDowngraded},
		{"expected code", Entry{Category: "tool", Severity: SeverityError, Code: "context_canceled", Message: "client went away"}, OutcomeDowngraded},
		{"critical always persists", Entry{Category: "validation", Severity: SeverityCritical, Message: "schema registry unreachable"}, OutcomeInserted},
		{"missing severity defaults to error", Entry{Category: "guard", Message: "rule table failed to load"}, OutcomeInserted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := l.Record(ctx, tt.e)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	recs, err := l.List(ctx, ListFilter{MinSeverity: SeverityCritical})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "validation", recs[0].Category)
}

func TestRecord_RedactsPII(t *testing.T) {
	repo := newSQLite(t)
	l := New(repo, classifier.MustNewScanner(), Config{})
	ctx := context.Background()

	_, err := l.Record(ctx, Entry{
		Category: "tool",
		Severity: SeverityError,
		Message:  "lookup failed for ayse@example.com",
		Context:  map[string]string{"card": "4111 1111 1111 1111"},
	})
	require.NoError(t, err)

	recs, err := l.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotContains(t, recs[0].Message, "ayse@example.com")
	assert.NotContains(t, recs[0].Context["card"], "4111")
}

type slowRepo struct {
	Repository
	delay time.Duration
	calls chan struct{}
}

func (r *slowRepo) Upsert(ctx context.Context, _ Record, _ time.Duration) (bool, error) {
	r.calls <- struct{}{}
	select {
	case <-time.After(r.delay):
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (r *slowRepo) Close() error { return nil }

func TestLogError_NeverBlocksCaller(t *testing.T) {
	repo := &slowRepo{delay: 5 * time.Second, calls: make(chan struct{}, 1)}
	l := New(repo, nil, Config{WriteTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	l.LogError(ctx, Entry{Category: "tool", Severity: SeverityError, Message: "boom"})
	cancel()
	assert.Less(t, time.Since(start), 20*time.Millisecond)

	<-repo.calls
	done := make(chan struct{})
	go func() { l.Flush(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write was not bounded by the deadline")
	}
}

type failingRepo struct{ Repository }

func (failingRepo) Upsert(context.Context, Record, time.Duration) (bool, error) {
	return false, errors.New("disk full")
}

func (failingRepo) Close() error { return nil }

func TestLogError_SwallowsFailures(t *testing.T) {
	l := New(failingRepo{}, nil, Config{})
	assert.NotPanics(t, func() {
		l.LogError(context.Background(), Entry{Category: "tool", Severity: SeverityError, Message: "boom"})
		l.Flush()
	})

	require.NoError(t, l.Close())
	assert.NotPanics(t, func() {
		l.LogError(context.Background(), Entry{Category: "tool", Severity: SeverityError, Message: "after close"})
	})
}
