package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/effects"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/errlog"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/guard"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/idempotency"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/pipeline"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/session"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/shadow"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/throttle"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tools"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verdict"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verification"
)

// HeaderDryRun set to "true" runs the request in a dry-run scope: no
// durable state changes, no tool side effects.
const HeaderDryRun = pipeline.HeaderDryRun

const maxShadowRecent = 50

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func scopeFor(r *http.Request) effects.Scope {
	if v, _ := strconv.ParseBool(r.Header.Get(HeaderDryRun)); v {
		return effects.DryRun("api")
	}
	return effects.Live()
}

func retryAfterHeader(w http.ResponseWriter, d time.Duration) {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{"pipeline": "ok"}
		if s.d.Audit == nil {
			components["audit_store"] = "disabled"
		} else {
			components["audit_store"] = "ok"
		}
		if s.d.Errors == nil {
			components["error_log"] = "disabled"
		} else {
			components["error_log"] = "ok"
		}
		if s.d.Runner != nil && s.d.Runner.Enabled() {
			components["shadow"] = "ok"
		} else {
			components["shadow"] = "disabled"
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

type turnResponse struct {
	RequestID          string             `json:"request_id"`
	SessionID          string             `json:"session_id"`
	Verdict            verdict.Wire       `json:"verdict"`
	Reply              string             `json:"reply"`
	Throttle           throttle.Decision  `json:"throttle"`
	ToolResults        []tools.Result     `json:"tool_results,omitempty"`
	Verification       verification.State `json:"verification"`
	VerificationPrompt string             `json:"verification_prompt,omitempty"`
	DurationMS         int64              `json:"duration_ms"`
	DryRun             bool               `json:"dry_run,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var t pipeline.Turn
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	tenantID := TenantIDFromContext(r.Context())
	t.TenantID = tenantID
	if t.Locale == "" && s.d.Tenants != nil {
		if tn, ok := s.d.Tenants.Get(tenantID); ok {
			t.Locale = tn.DefaultLocale
		}
	}
	scope := scopeFor(r)

	out, err := s.d.Runner.Run(r.Context(), scope, t)
	if errors.Is(err, pipeline.ErrInvalidTurn) {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Str("session_id", t.SessionID).Msg("turn_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if th, ok := out.Verdict.(verdict.Throttled); ok {
		retryAfterHeader(w, th.RetryAfter)
	}
	writeJSON(w, http.StatusOK, turnResponse{
		RequestID:          out.RequestID,
		SessionID:          out.SessionID,
		Verdict:            verdict.ToWire(out.Verdict),
		Reply:              out.Reply(),
		Throttle:           out.Throttle,
		ToolResults:        out.ToolResults,
		Verification:       out.Verification,
		VerificationPrompt: out.VerificationPrompt,
		DurationMS:         out.Duration.Milliseconds(),
		DryRun:             scope.IsDryRun(),
	})
}

type guardCheckRequest struct {
	Text         string         `json:"text"`
	HTML         bool           `json:"html"`
	Locale       string         `json:"locale"`
	Counterparty string         `json:"counterparty"`
	Recipients   []string       `json:"recipients"`
	ToolResults  []tools.Result `json:"tool_results"`
}

type guardCheckResponse struct {
	Verdict verdict.Wire     `json:"verdict"`
	Claims  guard.ClaimAudit `json:"claims"`
	Masked  []string         `json:"masked,omitempty"`
}

func (s *Server) handleGuardCheck(w http.ResponseWriter, r *http.Request) {
	var req guardCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	loc := req.Locale
	if loc == "" && s.d.Tenants != nil {
		if tn, ok := s.d.Tenants.Get(TenantIDFromContext(r.Context())); ok {
			loc = tn.DefaultLocale
		}
	}
	out := s.d.Guard.Apply(r.Context(), guard.Input{
		Text:         req.Text,
		HTML:         req.HTML,
		Locale:       loc,
		Counterparty: req.Counterparty,
		Recipients:   req.Recipients,
		ToolResults:  req.ToolResults,
	})
	writeJSON(w, http.StatusOK, guardCheckResponse{
		Verdict: verdict.ToWire(out.Verdict),
		Claims:  out.Claims,
		Masked:  out.Masked,
	})
}

type throttleRequest struct {
	Channel string `json:"channel,omitempty"`
	Subject string `json:"subject"`
}

type throttleResponse struct {
	throttle.Decision
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
}

func (s *Server) decodeThrottleKey(w http.ResponseWriter, r *http.Request) (throttle.Key, bool) {
	var req throttleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return throttle.Key{}, false
	}
	if strings.TrimSpace(req.Subject) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "subject is required")
		return throttle.Key{}, false
	}
	if req.Channel != "" && !session.Channel(req.Channel).Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown channel "+req.Channel)
		return throttle.Key{}, false
	}
	return throttle.Key{TenantID: TenantIDFromContext(r.Context()), Channel: req.Channel, Subject: req.Subject}, true
}

func (s *Server) handleThrottleCheck(w http.ResponseWriter, r *http.Request) {
	key, ok := s.decodeThrottleKey(w, r)
	if !ok {
		return
	}
	d, err := s.d.Throttle.Check(r.Context(), scopeFor(r), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if !d.Allowed {
		retryAfterHeader(w, d.RetryAfter)
	}
	writeJSON(w, http.StatusOK, throttleResponse{Decision: d, RetryAfterMS: d.RetryAfter.Milliseconds()})
}

func (s *Server) handleThrottleReset(w http.ResponseWriter, r *http.Request) {
	key, ok := s.decodeThrottleKey(w, r)
	if !ok {
		return
	}
	err := s.d.Throttle.Reset(r.Context(), scopeFor(r), key)
	if err != nil && !errors.Is(err, effects.ErrSuppressed) {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subject": key.Subject, "reset": err == nil})
}

func idempotencyKey(r *http.Request) idempotency.Key {
	return idempotency.Key{
		TenantID:  TenantIDFromContext(r.Context()),
		Channel:   chi.URLParam(r, "channel"),
		MessageID: chi.URLParam(r, "message_id"),
		Tool:      chi.URLParam(r, "tool"),
	}
}

func (s *Server) handleIdempotencyGet(w http.ResponseWriter, r *http.Request) {
	key := idempotencyKey(r)
	res, err := s.d.Idempotency.Lookup(r.Context(), key)
	if errors.Is(err, idempotency.ErrMiss) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIdempotencyPut(w http.ResponseWriter, r *http.Request) {
	key := idempotencyKey(r)
	if !key.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "channel, message_id and tool are required")
		return
	}
	var res tools.Result
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if res.Tool == "" {
		res.Tool = key.Tool
	}
	stored, err := s.d.Idempotency.Store(r.Context(), scopeFor(r), key, res)
	if err != nil && !errors.Is(err, effects.ErrSuppressed) {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

type verificationRequest struct {
	Reference string             `json:"reference"`
	Fact      *verification.Fact `json:"fact"`
	Locale    string             `json:"locale"`
}

type verificationResponse struct {
	SessionID string              `json:"session_id"`
	State     verification.State  `json:"state"`
	Status    verification.Status `json:"status"`
	Prompt    string              `json:"prompt,omitempty"`
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	ch := session.Channel(chi.URLParam(r, "channel"))
	if !ch.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown channel "+string(ch))
		return nil, false
	}
	sess, err := s.d.Sessions.Load(r.Context(), TenantIDFromContext(r.Context()), ch, chi.URLParam(r, "session_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) handleVerificationGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, verificationResponse{
		SessionID: sess.ID,
		State:     sess.Verification,
		Status:    sess.Verification.Current(),
	})
}

func (s *Server) handleVerificationPresent(w http.ResponseWriter, r *http.Request) {
	s.handleVerificationStep(w, r, func(req verificationRequest, st verification.State, lang string) (verification.Result, error) {
		if strings.TrimSpace(req.Reference) == "" {
			return verification.Result{}, errBadRequest("reference is required")
		}
		return s.d.Verifier.Present(r.Context(), st, TenantIDFromContext(r.Context()), lang, req.Reference)
	})
}

func (s *Server) handleVerificationCorroborate(w http.ResponseWriter, r *http.Request) {
	s.handleVerificationStep(w, r, func(req verificationRequest, st verification.State, lang string) (verification.Result, error) {
		if req.Fact == nil || req.Fact.Value == "" {
			return verification.Result{}, errBadRequest("fact is required")
		}
		return s.d.Verifier.Corroborate(r.Context(), st, TenantIDFromContext(r.Context()), lang, *req.Fact)
	})
}

type errBadRequest string

func (e errBadRequest) Error() string { return string(e) }

func (s *Server) handleVerificationStep(w http.ResponseWriter, r *http.Request,
	step func(verificationRequest, verification.State, string) (verification.Result, error)) {
	var req verificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	lang := req.Locale
	if lang == "" && s.d.Tenants != nil {
		if tn, ok := s.d.Tenants.Get(sess.TenantID); ok {
			lang = tn.DefaultLocale
		}
	}
	res, err := step(req, sess.Verification, lang)
	var bad errBadRequest
	if errors.As(err, &bad) {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	sess.Verification = res.State
	if err := s.d.Sessions.Save(r.Context(), scopeFor(r), sess); err != nil && !errors.Is(err, effects.ErrSuppressed) {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, verificationResponse{
		SessionID: sess.ID,
		State:     res.State,
		Status:    res.State.Current(),
		Prompt:    res.Prompt,
	})
}

func (s *Server) handleErrorReport(w http.ResponseWriter, r *http.Request) {
	if s.d.Errors == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "error log disabled")
		return
	}
	var e errlog.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if e.Category == "" || e.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "category and message are required")
		return
	}
	if e.Source == "" {
		e.Source = "api"
	}
	e.TenantID = TenantIDFromContext(r.Context())
	s.d.Errors.LogError(r.Context(), e)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleErrorList(w http.ResponseWriter, r *http.Request) {
	if s.d.Errors == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "error log disabled")
		return
	}
	q := r.URL.Query()
	f := errlog.ListFilter{
		Category:    q.Get("category"),
		MinSeverity: errlog.Severity(q.Get("min_severity")),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
			return
		}
		f.Since = t
	}
	records, err := s.d.Errors.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	tenantID := TenantIDFromContext(r.Context())
	out := make([]errlog.Record, 0, len(records))
	for _, rec := range records {
		if rec.TenantID == tenantID {
			out = append(out, rec)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"errors": out})
}

func (s *Server) handleShadowStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"enabled": s.d.Runner.Enabled(), "stats": s.d.Runner.Stats()}
	if r.URL.Query().Get("recent") == "true" {
		tenantID := TenantIDFromContext(r.Context())
		var recent []shadow.Comparison
		all := s.d.Runner.Recent()
		for i := len(all) - 1; i >= 0 && len(recent) < maxShadowRecent; i-- {
			if all[i].TenantID == tenantID {
				recent = append(recent, all[i])
			}
		}
		resp["recent"] = recent
	}
	writeJSON(w, http.StatusOK, resp)
}
