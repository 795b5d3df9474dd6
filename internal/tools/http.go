package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/effects"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/requestctx"
)

// maxResponseBytes caps a webhook response body.
const maxResponseBytes = 1 << 20

// HTTPToolConfig declares a tool backed by a tenant webhook.
type HTTPToolConfig struct {
	Name        string          `mapstructure:"name" yaml:"name" validate:"required"`
	Description string          `mapstructure:"description" yaml:"description"`
	URL         string          `mapstructure:"url" yaml:"url" validate:"required,url"`
	APIKey      string          `mapstructure:"api_key" yaml:"api_key"`
	Schema      json.RawMessage `mapstructure:"-" yaml:"-"`
	SchemaJSON  string          `mapstructure:"schema" yaml:"schema"`
	// ReadOnly marks a webhook that changes nothing. Unmarked tools are
	// treated as side-effecting and never reached from a dry-run scope.
	ReadOnly  bool          `mapstructure:"read_only" yaml:"read_only"`
	Sensitive bool          `mapstructure:"sensitive" yaml:"sensitive"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// HTTPTool forwards calls to a webhook:
//
//	POST {URL}  {"tool": name, "tenant_id": ..., "args": {...}}
//
// The idempotency key of the call, when known, is sent as the
// Idempotency-Key header. Any non-2xx status is an error.
type HTTPTool struct {
	cfg    HTTPToolConfig
	client *http.Client
}

// NewHTTPTool creates an HTTPTool. A zero timeout defaults to 10s.
func NewHTTPTool(cfg HTTPToolConfig) *HTTPTool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if len(cfg.Schema) == 0 && cfg.SchemaJSON != "" {
		cfg.Schema = json.RawMessage(cfg.SchemaJSON)
	}
	return &HTTPTool{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (h *HTTPTool) Name() string                 { return h.cfg.Name }
func (h *HTTPTool) Description() string          { return h.cfg.Description }
func (h *HTTPTool) InputSchema() json.RawMessage { return h.cfg.Schema }
func (h *HTTPTool) SideEffects() bool            { return !h.cfg.ReadOnly }
func (h *HTTPTool) Sensitive() bool              { return h.cfg.Sensitive }

// Execute posts the call. The scope is checked again so a direct call in a
// dry-run scope cannot reach the webhook.
func (h *HTTPTool) Execute(ctx context.Context, scope effects.Scope, args json.RawMessage) (json.RawMessage, error) {
	if h.SideEffects() {
		if err := scope.Permit(effects.KindTool); err != nil {
			return nil, err
		}
	}
	body, err := json.Marshal(map[string]any{
		"tool":      h.cfg.Name,
		"tenant_id": requestctx.TenantID(ctx),
		"args":      args,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding tool call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}
	if key := requestctx.IdempotencyKey(ctx); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling tool %s: %w", h.cfg.Name, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading tool %s response: %w", h.cfg.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("tool %s: upstream status %d", h.cfg.Name, resp.StatusCode)
	}
	if len(out) == 0 {
		out = []byte(`{}`)
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("tool %s: response is not JSON", h.cfg.Name)
	}
	return out, nil
}
