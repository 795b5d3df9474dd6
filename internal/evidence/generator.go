package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/effects"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/guard"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tools"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verdict"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verification"
)

// Generator builds and persists audit records.
type Generator struct {
	store *Store
	now   func() time.Time
}

// NewGenerator creates an audit generator backed by the given store.
func NewGenerator(store *Store) *Generator {
	return &Generator{store: store, now: time.Now}
}

// GenerateParams holds everything the pipeline knows at the end of a turn.
// Message texts are hashed, never stored verbatim.
type GenerateParams struct {
	CorrelationID string
	TenantID      string
	SessionID     string
	Channel       string
	MessageID     string
	Locale        string
	Guard         guard.Outcome
	// Verdict overrides Guard.Verdict (e.g. THROTTLED turns never reach the guards).
	Verdict      verdict.Verdict
	Verification verification.State
	ToolResults  []tools.Result
	Input        string
	Draft        string
	Reply        string
	Duration     time.Duration
}

// Generate builds the audit record for params and stores it under scope.
func (g *Generator) Generate(ctx context.Context, scope effects.Scope, params GenerateParams) (*Audit, error) {
	a := Build(params, g.now())
	if err := g.store.Record(ctx, scope, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Build assembles an unsigned audit record.
func Build(params GenerateParams, at time.Time) *Audit {
	v := params.Verdict
	if v == nil {
		v = params.Guard.Verdict
	}
	var d Decision
	if v != nil {
		w := verdict.ToWire(v)
		d = Decision{
			Verdict:     string(w.Kind),
			BlockReason: w.BlockReason,
			BlockedBy:   w.BlockedBy,
			ModifiedBy:  w.ModifiedBy,
		}
		if t, ok := v.(verdict.Throttled); ok {
			d.BlockReason = string(t.Reason)
		}
	}

	calls := make([]ToolCall, 0, len(params.ToolResults))
	for _, r := range params.ToolResults {
		calls = append(calls, ToolCall{Name: r.Tool, Status: string(r.Status), Cached: r.Cached})
	}

	return &Audit{
		ID:            "aud_" + uuid.New().String()[:8],
		CorrelationID: params.CorrelationID,
		Timestamp:     at.UTC(),
		TenantID:      params.TenantID,
		SessionID:     params.SessionID,
		Channel:       params.Channel,
		MessageID:     params.MessageID,
		Locale:        params.Locale,
		Decision:      d,
		Claims: Claims{
			Found:    params.Guard.Claims.ClaimsFound,
			Modified: params.Guard.Claims.Modified,
		},
		PIIMasked: params.Guard.Masked,
		Verification: Verification{
			Status:   string(params.Verification.Current()),
			RecordID: params.Verification.RecordID,
			Attempts: params.Verification.Attempts,
		},
		Tools: calls,
		AuditTrail: AuditTrail{
			InputHash: hashString(params.Input),
			DraftHash: hashString(params.Draft),
			ReplyHash: hashString(params.Reply),
		},
		DurationMS: params.Duration.Milliseconds(),
	}
}

func hashString(s string) string {
	if s == "" {
		return ""
	}
	h := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(h[:])
}
