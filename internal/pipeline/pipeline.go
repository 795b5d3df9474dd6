// Package pipeline runs one inbound turn through the guardrail layer:
// session (a redelivered message is answered from it), throttle,
// verification, tools (through the idempotency cache), draft composition,
// output guards, audit and session save. Internal
// failures are reported to the error log and never reach the user; they
// become a BLOCKED verdict with the locale fallback message.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/effects"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/errlog"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/evidence"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/guard"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/idempotency"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/locale"
	wardenotel "github.com/nurettinerzen/ai-assistant-saas-sub014/internal/otel"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/requestctx"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/session"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/throttle"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tools"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verdict"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verification"
)

var tracer = wardenotel.Tracer("github.com/nurettinerzen/ai-assistant-saas-sub014/internal/pipeline")

// ErrInvalidTurn wraps input validation failures.
var ErrInvalidTurn = errors.New("invalid turn")

var validate = validator.New()

// Turn is one inbound user message.
type Turn struct {
	TenantID  string          `json:"tenant_id" validate:"required"`
	Channel   session.Channel `json:"channel" validate:"required,oneof=chat phone email whatsapp"`
	SessionID string          `json:"session_id" validate:"required"`
	// MessageID is the stable per-inbound-message id used for idempotency.
	MessageID string `json:"message_id" validate:"required"`
	// Subject is the throttle key within the tenant; defaults to SessionID.
	Subject string `json:"subject,omitempty"`
	Locale  string `json:"locale,omitempty"`
	Text    string `json:"text" validate:"required"`
	// Counterparty is the single established recipient of the thread.
	Counterparty string `json:"counterparty,omitempty"`
	// Reference and Fact let the channel pass verification input it has
	// already extracted; the responder's plan may supply them too.
	Reference string             `json:"reference,omitempty"`
	Fact      *verification.Fact `json:"fact,omitempty" validate:"omitempty"`
}

// ErrorReporter receives internal failures. *errlog.Logger implements it.
type ErrorReporter interface {
	LogError(ctx context.Context, e errlog.Entry)
}

// Deps are the collaborators of a Pipeline. Audit and Errors may be nil.
type Deps struct {
	Throttle    *throttle.Limiter
	Sessions    *session.Store
	Verifier    *verification.Machine
	Tools       *tools.Registry
	Idempotency *idempotency.Cache
	Guard       *guard.Guard
	Locales     *locale.Set
	Responder   Responder
	Audit       *evidence.Generator
	Errors      ErrorReporter
	Now         func() time.Time
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	d Deps
}

// New creates a Pipeline.
func New(d Deps) *Pipeline {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Pipeline{d: d}
}

// Outcome is the result of one turn.
type Outcome struct {
	RequestID string          `json:"request_id"`
	SessionID string          `json:"session_id"`
	Verdict   verdict.Verdict `json:"-"`
	// Guard is the zero Outcome when the turn never reached the guards.
	Guard              guard.Outcome      `json:"-"`
	Throttle           throttle.Decision  `json:"throttle"`
	ToolResults        []tools.Result     `json:"tool_results,omitempty"`
	Verification       verification.State `json:"verification"`
	VerificationPrompt string             `json:"verification_prompt,omitempty"`
	Draft              string             `json:"-"`
	Duration           time.Duration      `json:"-"`
	// Failure is set when an internal error produced the verdict.
	Failure string `json:"failure,omitempty"`
	// Replayed is set when the message was already handled and the stored
	// result was returned without running the turn again.
	Replayed bool `json:"replayed,omitempty"`

	started   time.Time
	fallback  string
	throttled string
}

// Reply returns the user-visible text: the guarded content, the locale
// fallback for BLOCKED, or the retry message for THROTTLED.
func (o *Outcome) Reply() string {
	switch v := o.Verdict.(type) {
	case verdict.Allowed:
		return v.Content
	case verdict.Modified:
		return v.Content
	case verdict.Throttled:
		return o.throttled
	}
	return o.fallback
}

func (o *Outcome) kind() verdict.Kind {
	if o.Verdict == nil {
		return ""
	}
	return o.Verdict.Kind()
}

// Failed reports whether the turn ended on an internal error.
func (o *Outcome) Failed() bool { return o.Failure != "" }

// ClaimGuardFired reports whether the action-claim guard found a claim.
func (o *Outcome) ClaimGuardFired() bool { return o.Guard.Claims.Fired() }

// HandleTurn runs t under scope. It returns an error only for invalid
// input; every internal failure is folded into a BLOCKED outcome.
func (p *Pipeline) HandleTurn(ctx context.Context, scope effects.Scope, t Turn) (*Outcome, error) {
	if err := validate.Struct(t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTurn, err)
	}
	if t.Subject == "" {
		t.Subject = t.SessionID
	}
	t.Locale = locale.Normalize(t.Locale)

	reqID := requestctx.RequestID(ctx)
	if reqID == "" {
		reqID = "req_" + uuid.New().String()[:8]
		ctx = requestctx.SetRequestID(ctx, reqID)
	}
	ctx = requestctx.SetTenantID(ctx, t.TenantID)

	ctx, span := tracer.Start(ctx, "pipeline.handle_turn",
		trace.WithAttributes(
			attribute.String("tenant_id", t.TenantID),
			attribute.String("channel", string(t.Channel)),
			attribute.String("request_id", reqID),
			attribute.Bool("effects.dry_run", scope.IsDryRun()),
		))
	defer span.End()

	start := p.d.Now()
	msgs := p.d.Locales.Messages(t.Locale)
	out := &Outcome{
		RequestID: reqID,
		SessionID: t.SessionID,
		started:   start,
		fallback:  msgs.Fallback,
		throttled: msgs.Throttled,
	}
	defer func() {
		out.Duration = p.d.Now().Sub(start)
		span.SetAttributes(attribute.String("verdict", string(out.kind())))
		p.logTurn(ctx, scope, t, out)
	}()

	sess, err := p.d.Sessions.Load(ctx, t.TenantID, t.Channel, t.SessionID)
	if err != nil {
		p.fail(ctx, scope, out, t, "session", err)
		return out, nil
	}
	out.Verification = sess.Verification

	// Dry-run turns always run in full so a shadow candidate is never
	// answered from production's stored result.
	if prev, ok := sess.Lookup(t.MessageID); ok && !scope.IsDryRun() {
		replay(out, prev)
		return out, nil
	}

	dec, err := p.d.Throttle.Check(ctx, scope, throttle.Key{TenantID: t.TenantID, Channel: string(t.Channel), Subject: t.Subject})
	if err != nil {
		// the throttle store failing must not open the gate
		p.fail(ctx, scope, out, t, "throttle", err)
		return out, nil
	}
	out.Throttle = dec
	if v, limited := dec.Verdict(); limited {
		out.Verdict = v
		p.audit(ctx, scope, t, out, "")
		return out, nil
	}

	planReq := PlanRequest{
		TenantID:     t.TenantID,
		Channel:      t.Channel,
		SessionID:    t.SessionID,
		Locale:       t.Locale,
		Text:         t.Text,
		History:      sess.Turns,
		Verification: sess.Verification,
		Tools:        p.toolSpecs(),
		DryRun:       scope.IsDryRun(),
	}
	plan, err := p.d.Responder.Plan(ctx, scope, planReq)
	if err != nil {
		p.fail(ctx, scope, out, t, "responder", err)
		return out, nil
	}
	recordUsage(ctx, scope, t.TenantID, "plan", plan.Usage)

	if err := p.verify(ctx, t, plan, out); err != nil {
		p.fail(ctx, scope, out, t, "verification", err)
		return out, nil
	}
	sess.Verification = out.Verification

	out.ToolResults = p.runTools(ctx, scope, t, plan.Calls, out.Verification)

	planReq.Verification = out.Verification
	draft, err := p.d.Responder.Compose(ctx, scope, ComposeRequest{
		PlanRequest:        planReq,
		ToolResults:        out.ToolResults,
		VerificationPrompt: out.VerificationPrompt,
	})
	if err != nil {
		p.fail(ctx, scope, out, t, "responder", err)
		return out, nil
	}
	recordUsage(ctx, scope, t.TenantID, "compose", draft.Usage)
	out.Draft = draft.Text

	out.Guard = p.d.Guard.Apply(ctx, guard.Input{
		Text:         draft.Text,
		HTML:         draft.HTML,
		Locale:       t.Locale,
		Counterparty: t.Counterparty,
		Recipients:   draft.Recipients,
		ToolResults:  out.ToolResults,
	})
	out.Verdict = out.Guard.Verdict

	now := p.d.Now().UTC()
	sess.Append(session.Turn{MessageID: t.MessageID, Role: "user", Text: t.Text, At: now})
	sess.Append(session.Turn{Role: "assistant", Text: out.Reply(), At: now})
	sess.MarkProcessed(session.Processed{
		MessageID:          t.MessageID,
		Verdict:            verdict.ToWire(out.Verdict),
		VerificationPrompt: out.VerificationPrompt,
		ToolResults:        out.ToolResults,
		At:                 now,
	})
	if err := p.d.Sessions.Save(ctx, scope, sess); err != nil && !errors.Is(err, effects.ErrSuppressed) {
		p.report(ctx, scope, t, "session", err)
	}

	p.audit(ctx, scope, t, out, draft.Text)
	return out, nil
}

// replay fills out from the stored result of a redelivered message. The
// verification state is the session's current one; tool results are
// reported as cached.
func replay(out *Outcome, prev session.Processed) {
	out.Replayed = true
	out.Verdict = verdict.FromWire(prev.Verdict)
	out.VerificationPrompt = prev.VerificationPrompt
	out.Throttle = throttle.Decision{Allowed: true}
	out.ToolResults = make([]tools.Result, 0, len(prev.ToolResults))
	for _, r := range prev.ToolResults {
		r.Cached = true
		out.ToolResults = append(out.ToolResults, r)
	}
}

// verify feeds the plan's reference and fact to the verification machine.
func (p *Pipeline) verify(ctx context.Context, t Turn, plan Plan, out *Outcome) error {
	ref := t.Reference
	if ref == "" {
		ref = plan.Reference
	}
	fact := t.Fact
	if fact == nil {
		fact = plan.Fact
	}

	st := out.Verification
	if ref != "" {
		res, err := p.d.Verifier.Present(ctx, st, t.TenantID, t.Locale, ref)
		if err != nil {
			return err
		}
		st = res.State
		out.VerificationPrompt = res.Prompt
	}
	if fact != nil && (st.Current() == verification.StatusPending || st.Current() == verification.StatusFailed) {
		if err := validate.Struct(fact); err == nil {
			res, err := p.d.Verifier.Corroborate(ctx, st, t.TenantID, t.Locale, *fact)
			if err != nil {
				return err
			}
			st = res.State
			out.VerificationPrompt = res.Prompt
		}
	}
	out.Verification = st
	return nil
}

// runTools executes the plan's calls. Sensitive tools run only for a record
// the session may disclose; every execution goes through the idempotency
// cache keyed by the inbound message.
func (p *Pipeline) runTools(ctx context.Context, scope effects.Scope, t Turn, calls []ToolCall, st verification.State) []tools.Result {
	results := make([]tools.Result, 0, len(calls))
	for _, c := range calls {
		tool, ok := p.d.Tools.Get(c.Name)
		if !ok {
			results = append(results, tools.Result{Tool: c.Name, Status: tools.StatusFail, Error: "unknown tool"})
			continue
		}
		if tool.Sensitive() {
			recordID := c.RecordID
			if recordID == "" {
				recordID = st.RecordID
			}
			if !verification.CanDisclose(st, recordID) {
				results = append(results, tools.Result{Tool: c.Name, Status: tools.StatusVerificationRequired})
				continue
			}
		}

		key := idempotency.Key{TenantID: t.TenantID, Channel: string(t.Channel), MessageID: t.MessageID, Tool: c.Name}
		args := c.Args
		res, err := p.d.Idempotency.Execute(ctx, scope, key, func(ctx context.Context) tools.Result {
			return tools.Invoke(ctx, scope, tool, args)
		})
		if err != nil {
			p.report(ctx, scope, t, "idempotency", err)
			res = tools.Result{Tool: c.Name, Status: tools.StatusFail, Error: "tool cache unavailable"}
		}
		if res.Status == tools.StatusFail && !res.Cached {
			p.reportEntry(ctx, scope, errlog.Entry{
				Category: "tool",
				Severity: errlog.SeverityError,
				Source:   "pipeline",
				Tool:     c.Name,
				TenantID: t.TenantID,
				Message:  res.Error,
			})
		}
		results = append(results, res)
	}
	return results
}

func (p *Pipeline) toolSpecs() []ToolSpec {
	list := p.d.Tools.List()
	specs := make([]ToolSpec, 0, len(list))
	for _, tl := range list {
		specs = append(specs, ToolSpec{Name: tl.Name(), Description: tl.Description(), InputSchema: tl.InputSchema()})
	}
	return specs
}

// fail turns an internal error into a BLOCKED outcome.
func (p *Pipeline) fail(ctx context.Context, scope effects.Scope, out *Outcome, t Turn, stage string, err error) {
	out.Verdict = verdict.Blocked{Reason: verdict.ReasonInternalError, BlockedBy: stage}
	out.Failure = stage + ": " + err.Error()
	p.report(ctx, scope, t, stage, err)
	p.audit(ctx, scope, t, out, "")
}

func (p *Pipeline) report(ctx context.Context, scope effects.Scope, t Turn, stage string, err error) {
	code := ""
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code = "context_canceled"
	}
	p.reportEntry(ctx, scope, errlog.Entry{
		Category: stage,
		Severity: errlog.SeverityError,
		Source:   "pipeline",
		Code:     code,
		TenantID: t.TenantID,
		Message:  err.Error(),
		Context:  map[string]string{"channel": string(t.Channel)},
	})
}

// reportEntry hands e to the error log. Dry-run turns only log locally so
// a shadow candidate never creates persisted records.
func (p *Pipeline) reportEntry(ctx context.Context, scope effects.Scope, e errlog.Entry) {
	if p.d.Errors == nil || scope.Permit(effects.KindPersist) != nil {
		log.Debug().Str("category", e.Category).Str("scope", scope.Label()).Str("error", e.Message).Msg("pipeline_error")
		return
	}
	p.d.Errors.LogError(ctx, e)
}

func (p *Pipeline) audit(ctx context.Context, scope effects.Scope, t Turn, out *Outcome, draft string) {
	if p.d.Audit == nil {
		return
	}
	_, err := p.d.Audit.Generate(ctx, scope, evidence.GenerateParams{
		CorrelationID: out.RequestID,
		TenantID:      t.TenantID,
		SessionID:     t.SessionID,
		Channel:       string(t.Channel),
		MessageID:     t.MessageID,
		Locale:        t.Locale,
		Guard:         out.Guard,
		Verdict:       out.Verdict,
		Verification:  out.Verification,
		ToolResults:   out.ToolResults,
		Input:         t.Text,
		Draft:         draft,
		Reply:         out.Reply(),
		Duration:      p.d.Now().Sub(out.started),
	})
	if err != nil && !errors.Is(err, effects.ErrSuppressed) {
		p.report(ctx, scope, t, "audit", err)
	}
}

func (p *Pipeline) logTurn(ctx context.Context, scope effects.Scope, t Turn, out *Outcome) {
	ev := log.Info()
	if scope.IsDryRun() {
		ev = log.Debug()
	}
	ev.Str("request_id", out.RequestID).
		Str("tenant_id", t.TenantID).
		Str("channel", string(t.Channel)).
		Str("scope", scope.Label()).
		Str("verdict", string(out.kind())).
		Bool("replayed", out.Replayed).
		Str("verification", string(out.Verification.Current())).
		Int("tools", len(out.ToolResults)).
		Dur("duration", out.Duration).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("turn_handled")
}
