package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/effects"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/requestctx"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/session"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tools"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verification"
)

// HeaderDryRun marks a request that must not cause effects. The server reads
// it from collaborators; HTTPResponder sends it upstream for dry-run scopes.
const HeaderDryRun = "X-Warden-Dry-Run"

var responderTokens metric.Int64Counter

func init() {
	var err error
	responderTokens, err = otel.Meter("github.com/nurettinerzen/ai-assistant-saas-sub014/internal/pipeline").
		Int64Counter("warden.responder.tokens",
			metric.WithDescription("Responder tokens billed to a tenant by direction"))
	if err != nil {
		responderTokens, _ = otel.Meter("warden.pipeline").Int64Counter("warden.responder.tokens.fallback")
	}
}

// Responder is the LLM-calling collaborator. Plan decides which tools to
// call for a user message; Compose writes the draft reply from the tool
// results. Neither may cause side effects itself, and under a dry-run
// scope an implementation must tell its upstream so nothing is billed or
// stored there either.
type Responder interface {
	Plan(ctx context.Context, scope effects.Scope, req PlanRequest) (Plan, error)
	Compose(ctx context.Context, scope effects.Scope, req ComposeRequest) (Draft, error)
}

// PlanRequest is the input to Responder.Plan.
type PlanRequest struct {
	TenantID     string             `json:"tenant_id"`
	Channel      session.Channel    `json:"channel"`
	SessionID    string             `json:"session_id"`
	Locale       string             `json:"locale"`
	Text         string             `json:"text"`
	History      []session.Turn     `json:"history,omitempty"`
	Verification verification.State `json:"verification"`
	Tools        []ToolSpec         `json:"tools,omitempty"`
	// DryRun is set for shadow and replay turns.
	DryRun bool `json:"dry_run,omitempty"`
}

// Usage is the token count an upstream reports for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ToolSpec describes a callable tool to the responder.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolCall is one tool the responder wants executed.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
	// RecordID is the record a sensitive tool would disclose. Empty means
	// the record the session is currently bound to.
	RecordID string `json:"record_id,omitempty"`
}

// Plan is the responder's decision for one message.
type Plan struct {
	Calls []ToolCall `json:"calls,omitempty"`
	// Reference is a primary identifying token (order, ticket, account)
	// found in the message.
	Reference string `json:"reference,omitempty"`
	// Fact is a corroborating answer found in the message.
	Fact  *verification.Fact `json:"fact,omitempty"`
	Usage *Usage             `json:"usage,omitempty"`
}

// ComposeRequest is the input to Responder.Compose.
type ComposeRequest struct {
	PlanRequest
	ToolResults []tools.Result `json:"tool_results,omitempty"`
	// VerificationPrompt is the minimal prompt toward VERIFIED, if any.
	VerificationPrompt string `json:"verification_prompt,omitempty"`
}

// Draft is the unguarded reply.
type Draft struct {
	Text string `json:"text"`
	HTML bool   `json:"html,omitempty"`
	// Recipients are structured outbound recipients (e-mail only).
	Recipients []string `json:"recipients,omitempty"`
	Usage      *Usage   `json:"usage,omitempty"`
}

// recordUsage bills u to the tenant. Dry-run scopes are never billed.
func recordUsage(ctx context.Context, scope effects.Scope, tenantID, stage string, u *Usage) {
	if u == nil || scope.Permit(effects.KindBilling) != nil {
		return
	}
	tenant := attribute.String("tenant_id", tenantID)
	at := attribute.String("stage", stage)
	responderTokens.Add(ctx, u.InputTokens, metric.WithAttributes(tenant, at, attribute.String("direction", "input")))
	responderTokens.Add(ctx, u.OutputTokens, metric.WithAttributes(tenant, at, attribute.String("direction", "output")))
}

const maxResponderBytes = 1 << 20

// HTTPResponder calls an upstream JSON service at {base}/plan and
// {base}/compose.
type HTTPResponder struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPResponder creates an HTTPResponder. timeout <= 0 means 30s.
func NewHTTPResponder(baseURL, apiKey string, timeout time.Duration) *HTTPResponder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPResponder{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Plan implements Responder.
func (r *HTTPResponder) Plan(ctx context.Context, scope effects.Scope, req PlanRequest) (Plan, error) {
	var p Plan
	req.DryRun = req.DryRun || scope.IsDryRun()
	err := r.post(ctx, "/plan", req.DryRun, req, &p)
	return p, err
}

// Compose implements Responder.
func (r *HTTPResponder) Compose(ctx context.Context, scope effects.Scope, req ComposeRequest) (Draft, error) {
	var d Draft
	req.DryRun = req.DryRun || scope.IsDryRun()
	err := r.post(ctx, "/compose", req.DryRun, req, &d)
	return d, err
}

func (r *HTTPResponder) post(ctx context.Context, path string, dryRun bool, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling responder request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating responder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	if id := requestctx.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	if dryRun {
		req.Header.Set(HeaderDryRun, "true")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling responder %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponderBytes))
	if err != nil {
		return fmt.Errorf("reading responder response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("responder %s returned %d: %s", path, resp.StatusCode, truncate(string(data), 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding responder response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
