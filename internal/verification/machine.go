package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/classifier"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/locale"
	wardenotel "github.com/nurettinerzen/ai-assistant-saas-sub014/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verification")

var transitions metric.Int64Counter

func init() {
	var err error
	transitions, err = otel.Meter("github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verification").
		Int64Counter("warden.verification.transitions",
			metric.WithDescription("Verification state transitions by target status"))
	if err != nil {
		transitions, _ = otel.Meter("warden.verification").Int64Counter("warden.verification.transitions.fallback")
	}
}

// DefaultMaxAttempts bounds failed corroborations (and unknown references)
// before the state locks and the user is sent to a human agent.
const DefaultMaxAttempts = 3

// FactKind names a corroborating fact.
type FactKind string

const (
	FactName        FactKind = "name"
	FactPhoneSuffix FactKind = "phone_suffix"
	FactEmail       FactKind = "email"
)

// Fact is a corroborating answer supplied by the user.
type Fact struct {
	Kind  FactKind `json:"kind" validate:"required,oneof=name phone_suffix email"`
	Value string   `json:"value" validate:"required"`
}

// Result is the new state plus the minimal prompt that moves the user toward
// VERIFIED. Prompt is empty when nothing is required.
type Result struct {
	State  State  `json:"state"`
	Prompt string `json:"prompt,omitempty"`
}

// Machine drives state transitions. It holds no per-session data.
type Machine struct {
	resolver    RecordResolver
	locales     *locale.Set
	maxAttempts int
	challenge   []FactKind
	now         func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithChallengeOrder sets which fact is requested first; the first kind the
// record actually carries is used.
func WithChallengeOrder(kinds ...FactKind) Option {
	return func(m *Machine) { m.challenge = kinds }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a Machine.
func NewMachine(resolver RecordResolver, locales *locale.Set, opts ...Option) *Machine {
	m := &Machine{
		resolver:    resolver,
		locales:     locales,
		maxAttempts: DefaultMaxAttempts,
		challenge:   []FactKind{FactName, FactPhoneSuffix, FactEmail},
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Present handles a primary reference. A reference resolving to the record
// already bound to the state keeps the state; any other record starts a new
// PENDING challenge and drops earlier trust. Unknown references count as a
// failed attempt and get the same generic guidance as a mismatch. Resolver
// errors leave the state unchanged.
func (m *Machine) Present(ctx context.Context, st State, tenantID, lang, reference string) (Result, error) {
	ctx, span := tracer.Start(ctx, "verification.present")
	defer span.End()
	msgs := m.locales.Messages(lang)

	if st.Locked {
		return Result{State: st, Prompt: msgs.Locked}, nil
	}
	if strings.TrimSpace(reference) == "" {
		return Result{State: st, Prompt: msgs.AskPrimary}, nil
	}

	rec, err := m.resolver.Resolve(ctx, tenantID, reference)
	if errors.Is(err, ErrUnknownReference) {
		next := m.fail(State{Attempts: st.Attempts})
		m.record(ctx, tenantID, st, next, "unknown_reference")
		return Result{State: next, Prompt: m.failurePrompt(next, msgs)}, nil
	}
	if err != nil {
		span.RecordError(err)
		return Result{State: st}, fmt.Errorf("presenting reference: %w", err)
	}

	if st.RecordID == rec.ID && st.Current() != StatusUnverified {
		if st.Current() == StatusVerified {
			return Result{State: st}, nil
		}
		return Result{State: st, Prompt: m.ask(rec, msgs)}, nil
	}

	next := State{
		Status:    StatusPending,
		RecordID:  rec.ID,
		Reference: reference,
		Attempts:  st.Attempts,
	}
	reason := "new_reference"
	if st.RecordID != "" {
		reason = "identity_switch"
	}
	m.record(ctx, tenantID, st, next, reason)
	span.SetAttributes(attribute.String("verification.reason", reason))
	return Result{State: next, Prompt: m.ask(rec, msgs)}, nil
}

// Corroborate checks a fact against the bound record. A match verifies; a
// mismatch fails and counts an attempt, locking at the maximum.
func (m *Machine) Corroborate(ctx context.Context, st State, tenantID, lang string, fact Fact) (Result, error) {
	ctx, span := tracer.Start(ctx, "verification.corroborate")
	defer span.End()
	msgs := m.locales.Messages(lang)

	if st.Locked {
		return Result{State: st, Prompt: msgs.Locked}, nil
	}
	if st.RecordID == "" {
		return Result{State: st, Prompt: msgs.AskPrimary}, nil
	}

	rec, err := m.resolver.Resolve(ctx, tenantID, st.Reference)
	switch {
	case errors.Is(err, ErrUnknownReference):
		rec = Record{}
	case err != nil:
		span.RecordError(err)
		return Result{State: st}, fmt.Errorf("corroborating: %w", err)
	case rec.ID != st.RecordID:
		// reference now points elsewhere; never carry the challenge over
		rec = Record{}
	}

	if rec.ID != "" && Matches(rec, fact) {
		next := st
		next.Status = StatusVerified
		next.Attempts = 0
		next.VerifiedAt = m.now().UTC()
		m.record(ctx, tenantID, st, next, "match")
		return Result{State: next}, nil
	}

	next := m.fail(st)
	m.record(ctx, tenantID, st, next, "mismatch")
	return Result{State: next, Prompt: m.failurePrompt(next, msgs)}, nil
}

func (m *Machine) fail(st State) State {
	st.Status = StatusFailed
	st.Attempts++
	st.VerifiedAt = time.Time{}
	if st.Attempts >= m.maxAttempts {
		st.Locked = true
	}
	return st
}

func (m *Machine) failurePrompt(st State, msgs locale.Messages) string {
	if st.Locked {
		return msgs.Locked
	}
	return msgs.Failed
}

func (m *Machine) ask(rec Record, msgs locale.Messages) string {
	for _, k := range m.challenge {
		switch {
		case k == FactName && rec.Name != "":
			return msgs.AskName
		case k == FactPhoneSuffix && len(classifier.DigitsOnly(rec.Phone)) >= 4:
			return msgs.AskPhoneSuffix
		case k == FactEmail && rec.Email != "":
			return msgs.AskEmail
		}
	}
	return msgs.Locked
}

func (m *Machine) record(ctx context.Context, tenantID string, from, to State, reason string) {
	transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to", string(to.Current())),
		attribute.String("reason", reason),
	))
	log.Info().
		Str("tenant_id", tenantID).
		Str("from", string(from.Current())).
		Str("to", string(to.Current())).
		Str("reason", reason).
		Int("attempts", to.Attempts).
		Bool("locked", to.Locked).
		Msg("verification_transition")
}

// Matches compares fact with the record. Names compare case-insensitively
// with Turkish casing rules and collapsed whitespace; phone suffixes compare
// on digits (at least four); e-mails compare case-insensitively.
func Matches(rec Record, fact Fact) bool {
	switch fact.Kind {
	case FactName:
		want := foldName(rec.Name)
		return want != "" && foldName(fact.Value) == want
	case FactPhoneSuffix:
		got := classifier.DigitsOnly(fact.Value)
		phone := classifier.DigitsOnly(rec.Phone)
		return len(got) >= 4 && len(phone) >= len(got) && strings.HasSuffix(phone, got)
	case FactEmail:
		want := strings.ToLower(strings.TrimSpace(rec.Email))
		return want != "" && strings.ToLower(strings.TrimSpace(fact.Value)) == want
	}
	return false
}

// foldName lower-cases with Turkish rules, then folds dotless i so that
// "ALI", "ALİ" and "Ali" compare equal, and collapses whitespace.
func foldName(s string) string {
	lower := strings.ToLowerSpecial(unicode.TurkishCase, s)
	lower = strings.ReplaceAll(lower, "ı", "i")
	return strings.Join(strings.Fields(lower), " ")
}
