// Package guard applies the deterministic output guards to a draft reply:
// the recipient guard, the action-claim guard, the repeated-PII scrubber and
// the minimum-content check, in that order. Every guard fails closed.
package guard

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/classifier"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/locale"
	wardenotel "github.com/nurettinerzen/ai-assistant-saas-sub014/internal/otel"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tools"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verdict"
)

var tracer = wardenotel.Tracer("github.com/nurettinerzen/ai-assistant-saas-sub014/internal/guard")

var decisions metric.Int64Counter

func init() {
	var err error
	decisions, err = otel.Meter("github.com/nurettinerzen/ai-assistant-saas-sub014/internal/guard").
		Int64Counter("warden.guard.decisions",
			metric.WithDescription("Guard verdicts by kind and guard"))
	if err != nil {
		decisions, _ = otel.Meter("warden.guard").Int64Counter("warden.guard.decisions.fallback")
	}
}

// Guard names used in verdicts and audits.
const (
	NameRecipient   = "recipient_guard"
	NameActionClaim = "action_claim_guard"
	NamePIIScrubber = "pii_scrubber"
	NameLength      = "length_guard"
)

// DefaultMinContentRunes is the shortest deliverable reply.
const DefaultMinContentRunes = 2

// Input is everything the guards need for one draft.
type Input struct {
	Text string
	// HTML marks Text as an HTML e-mail body; it is reduced to plain text
	// first and the verdict carries the plain text.
	HTML   bool
	Locale string
	// Counterparty is the single established recipient of the thread.
	Counterparty string
	// Recipients are the structured recipients of the outbound message,
	// when the channel has them (e-mail to/cc/bcc).
	Recipients  []string
	ToolResults []tools.Result
}

// Outcome is the guard result for one draft.
type Outcome struct {
	Verdict verdict.Verdict
	Claims  ClaimAudit
	// Masked lists entity types whose repeated values were masked.
	Masked []string
}

// Guard is safe for concurrent use.
type Guard struct {
	locales  *locale.Set
	scanner  *classifier.Scanner
	minRunes int
}

// Option configures a Guard.
type Option func(*Guard)

// WithMinContentRunes overrides DefaultMinContentRunes.
func WithMinContentRunes(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.minRunes = n
		}
	}
}

// New creates a Guard.
func New(locales *locale.Set, scanner *classifier.Scanner, opts ...Option) *Guard {
	g := &Guard{locales: locales, scanner: scanner, minRunes: DefaultMinContentRunes}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Apply runs recipient, action-claim, PII and length guards. Recipient
// expansion and empty content block; claim softening and masking modify.
func (g *Guard) Apply(ctx context.Context, in Input) Outcome {
	ctx, span := tracer.Start(ctx, "guard.apply")
	defer span.End()

	text := in.Text
	if in.HTML {
		text = htmlToText(text)
	}
	tables := g.locales.Scan(in.Locale)

	var out Outcome
	if detail := recipientViolation(text, in.Counterparty, in.Recipients, tables); detail != "" {
		out.Verdict = verdict.Blocked{Reason: verdict.ReasonRecipientExpansion, BlockedBy: NameRecipient, Detail: detail}
		g.finish(ctx, in, out)
		return out
	}

	var modifiedBy []string
	text, out.Claims = rewriteClaims(text, tables, g.locales.Tentative(in.Locale), tools.AnyOK(in.ToolResults))
	if out.Claims.Modified {
		modifiedBy = append(modifiedBy, NameActionClaim)
	}

	if g.scanner != nil {
		text, out.Masked = scrubRepeats(ctx, g.scanner, text)
		if len(out.Masked) > 0 {
			modifiedBy = append(modifiedBy, NamePIIScrubber)
		}
	}

	if utf8.RuneCountInString(strings.TrimSpace(text)) < g.minRunes {
		out.Verdict = verdict.Blocked{Reason: verdict.ReasonEmptyContent, BlockedBy: NameLength}
		g.finish(ctx, in, out)
		return out
	}

	if len(modifiedBy) > 0 {
		out.Verdict = verdict.Modified{Content: text, ModifiedBy: modifiedBy}
	} else {
		out.Verdict = verdict.Allowed{Content: text}
	}
	g.finish(ctx, in, out)
	return out
}

func (g *Guard) finish(ctx context.Context, in Input, out Outcome) {
	by := ""
	if b, ok := out.Verdict.(verdict.Blocked); ok {
		by = b.BlockedBy
	}
	decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", string(out.Verdict.Kind())),
		attribute.String("blocked_by", by),
		attribute.Bool("claims_found", out.Claims.Fired()),
	))

	ev := log.Debug()
	if out.Verdict.Kind() != verdict.KindAllowed {
		ev = log.Info()
	}
	ev.Str("verdict", string(out.Verdict.Kind())).
		Str("locale", in.Locale).
		Str("blocked_by", by).
		Strs("claims_found", out.Claims.ClaimsFound).
		Bool("claims_modified", out.Claims.Modified).
		Strs("masked", out.Masked).
		Int("tool_results", len(in.ToolResults)).
		Msg("guard_applied")
}
