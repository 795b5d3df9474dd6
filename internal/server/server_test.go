package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/evidence"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/pipeline"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/shadow"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tenant"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/testutil"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tools"
)

const otherKey = "globex-key-0123456789"

func newTestServer(t *testing.T) (http.Handler, *testutil.Harness) {
	t.Helper()
	h := testutil.NewHarness(t)
	h.Responder.Draft = pipeline.Draft{Text: "Your order ships tomorrow."}
	srv := NewServer(Deps{
		Runner:      shadow.NewRunner(h.Pipeline, nil, shadow.DefaultConfig()),
		Guard:       h.Guard,
		Throttle:    h.Throttle,
		Idempotency: h.Idempotency,
		Sessions:    h.Sessions,
		Verifier:    h.Verifier,
		Errors:      h.Errors,
		Audit:       h.AuditStore,
		Tenants: tenant.NewManager([]tenant.Tenant{
			{ID: testutil.TestTenantID, APIKeys: []string{testutil.TestAPIKey}, DefaultLocale: "en"},
			{ID: "globex", APIKeys: []string{otherKey}},
		}),
	}, WithVersion("test"))
	return srv.Routes(), h
}

func do(t *testing.T, h http.Handler, method, path, key string, body interface{}, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func turn(session, message, text string) map[string]interface{} {
	return map[string]interface{}{
		"channel":    "chat",
		"session_id": session,
		"message_id": message,
		"text":       text,
	}
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := newTestServer(t)
	rec := do(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "test", out["version"])
}

func TestHealthDetail(t *testing.T) {
	r, _ := newTestServer(t)
	rec := do(t, r, http.MethodGet, "/v1/health?detail=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	comp, _ := decode(t, rec)["components"].(map[string]interface{})
	require.NotNil(t, comp)
	assert.Equal(t, "ok", comp["audit_store"])
	assert.Equal(t, "ok", comp["error_log"])
	assert.Equal(t, "disabled", comp["shadow"])
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestServer(t)
	rec := do(t, r, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareRejectsMissingKey(t *testing.T) {
	r, _ := newTestServer(t)
	rec := do(t, r, http.MethodPost, "/v1/turns", "", turn("s1", "m1", "hi"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, r, http.MethodPost, "/v1/turns", "wrong-key-0000000000", turn("s1", "m1", "hi"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsBearer(t *testing.T) {
	r, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/shadow/stats", nil)
	req.Header.Set("Authorization", "Bearer "+testutil.TestAPIKey)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	h := testutil.NewHarness(t)
	tm := tenant.NewManager([]tenant.Tenant{{ID: "acme", APIKeys: []string{testutil.TestAPIKey}, RateLimit: 1}})
	r := NewServer(Deps{Runner: shadow.NewRunner(h.Pipeline, nil, shadow.DefaultConfig()), Tenants: tm}).Routes()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, r, http.MethodGet, "/v1/shadow/stats", testutil.TestAPIKey, nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestTurn_Allowed(t *testing.T) {
	r, h := newTestServer(t)
	rec := do(t, r, http.MethodPost, "/v1/turns", testutil.TestAPIKey, turn("s1", "m1", "where is my order?"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := decode(t, rec)
	v, _ := out["verdict"].(map[string]interface{})
	require.NotNil(t, v)
	assert.Equal(t, "ALLOWED", v["kind"])
	assert.Equal(t, "Your order ships tomorrow.", out["reply"])
	assert.Equal(t, "s1", out["session_id"])
	assert.NotEmpty(t, out["request_id"])
	assert.Equal(t, 1, h.KV.Len("session/"))
}

func TestTurn_InvalidTurn(t *testing.T) {
	r, _ := newTestServer(t)
	body := turn("s1", "m1", "hello")
	delete(body, "session_id")
	rec := do(t, r, http.MethodPost, "/v1/turns", testutil.TestAPIKey, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader("{"))
	req.Header.Set(HeaderAPIKey, testutil.TestAPIKey)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTurn_DryRunHeader(t *testing.T) {
	r, h := newTestServer(t)
	rec := do(t, r, http.MethodPost, "/v1/turns", testutil.TestAPIKey, turn("s1", "m1", "hi"), HeaderDryRun, "true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["dry_run"])
	assert.Zero(t, h.KV.Len("session/"))
	assert.Zero(t, h.KV.Len("throttle/"))
}

func TestGuardCheck_RewritesUnbackedClaim(t *testing.T) {
	r, _ := newTestServer(t)
	rec := do(t, r, http.MethodPost, "/v1/guard/check", testutil.TestAPIKey, map[string]interface{}{
		"text": "I've cancelled your order. Anything else?",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	v := out["verdict"].(map[string]interface{})
	assert.Equal(t, "MODIFIED", v["kind"])
	assert.NotContains(t, v["content"], "cancelled")
	claims := out["claims"].(map[string]interface{})
	assert.Equal(t, true, claims["modified"])
}

func TestGuardCheck_BackedClaimAllowed(t *testing.T) {
	r, _ := newTestServer(t)
	rec := do(t, r, http.MethodPost, "/v1/guard/check", testutil.TestAPIKey, map[string]interface{}{
		"text":         "I've cancelled your order.",
		"tool_results": []tools.Result{{Tool: "cancel_order", Status: tools.StatusOK}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode(t, rec)["verdict"].(map[string]interface{})
	assert.Equal(t, "ALLOWED", v["kind"])
}

func TestThrottleCheckAndReset(t *testing.T) {
	r, _ := newTestServer(t)
	for i := 0; i < 30; i++ {
		rec := do(t, r, http.MethodPost, "/v1/throttle/check", testutil.TestAPIKey, map[string]string{"subject": "user-1"})
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, true, decode(t, rec)["allowed"])
	}
	rec := do(t, r, http.MethodPost, "/v1/throttle/check", testutil.TestAPIKey, map[string]string{"subject": "user-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	out := decode(t, rec)
	assert.Equal(t, false, out["allowed"])
	assert.Equal(t, "SESSION_RATE_LIMIT", out["reason"])

	rec = do(t, r, http.MethodPost, "/v1/throttle/reset", testutil.TestAPIKey, map[string]string{"subject": "user-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, r, http.MethodPost, "/v1/throttle/check", testutil.TestAPIKey, map[string]string{"subject": "user-1"})
	assert.Equal(t, true, decode(t, rec)["allowed"])
}

func TestThrottleCheck_SubjectRequired(t *testing.T) {
	r, _ := newTestServer(t)
	rec := do(t, r, http.MethodPost, "/v1/throttle/check", testutil.TestAPIKey, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThrottleCheck_ChannelScopesTheWindow(t *testing.T) {
	r, _ := newTestServer(t)
	for i := 0; i < 30; i++ {
		do(t, r, http.MethodPost, "/v1/throttle/check", testutil.TestAPIKey, map[string]string{"channel": "chat", "subject": "user-1"})
	}
	rec := do(t, r, http.MethodPost, "/v1/throttle/check", testutil.TestAPIKey, map[string]string{"channel": "chat", "subject": "user-1"})
	assert.Equal(t, false, decode(t, rec)["allowed"])

	rec = do(t, r, http.MethodPost, "/v1/throttle/check", testutil.TestAPIKey, map[string]string{"channel": "whatsapp", "subject": "user-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["allowed"])

	rec = do(t, r, http.MethodPost, "/v1/throttle/check", testutil.TestAPIKey, map[string]string{"channel": "fax", "subject": "user-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdempotency_FirstWriteWins(t *testing.T) {
	r, _ := newTestServer(t)
	path := "/v1/idempotency/chat/m-1/cancel_order"

	rec := do(t, r, http.MethodGet, path, testutil.TestAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, http.MethodPut, path, testutil.TestAPIKey, tools.Result{Status: tools.StatusOK, Output: json.RawMessage(`{"n":1}`)})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodPut, path, testutil.TestAPIKey, tools.Result{Status: tools.StatusFail, Error: "late"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(tools.StatusOK), decode(t, rec)["status"])

	rec = do(t, r, http.MethodGet, path, testutil.TestAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "cancel_order", out["tool"])
	assert.Equal(t, string(tools.StatusOK), out["status"])

	// other tenants see nothing
	rec = do(t, r, http.MethodGet, path, otherKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerification_PresentAndCorroborate(t *testing.T) {
	r, _ := newTestServer(t)
	base := "/v1/verification/chat/s-9"

	rec := do(t, r, http.MethodGet, base, testutil.TestAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "UNVERIFIED", decode(t, rec)["status"])

	rec = do(t, r, http.MethodPost, base+"/present", testutil.TestAPIKey, map[string]string{"reference": "ORD-001"})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "PENDING", out["status"])
	assert.NotEmpty(t, out["prompt"])

	rec = do(t, r, http.MethodPost, base+"/corroborate", testutil.TestAPIKey, map[string]interface{}{
		"fact": map[string]string{"kind": "name", "value": "alice smith"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "VERIFIED", decode(t, rec)["status"])

	rec = do(t, r, http.MethodGet, base, testutil.TestAPIKey, nil)
	assert.Equal(t, "VERIFIED", decode(t, rec)["status"])

	// same session id under another tenant is a different session
	rec = do(t, r, http.MethodGet, base, otherKey, nil)
	assert.Equal(t, "UNVERIFIED", decode(t, rec)["status"])
}

func TestVerification_BadInput(t *testing.T) {
	r, _ := newTestServer(t)
	rec := do(t, r, http.MethodGet, "/v1/verification/fax/s-1", testutil.TestAPIKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/v1/verification/chat/s-1/present", testutil.TestAPIKey, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/v1/verification/chat/s-1/corroborate", testutil.TestAPIKey, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrors_ReportAndList(t *testing.T) {
	r, h := newTestServer(t)
	rec := do(t, r, http.MethodPost, "/v1/errors", testutil.TestAPIKey, map[string]string{
		"category": "webhook",
		"severity": "error",
		"message":  "delivery failed for order 12345",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	h.Errors.Flush()

	rec = do(t, r, http.MethodGet, "/v1/errors?category=webhook", testutil.TestAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list, _ := decode(t, rec)["errors"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "api", list[0].(map[string]interface{})["source"])

	rec = do(t, r, http.MethodGet, "/v1/errors?category=webhook", otherKey, nil)
	list, _ = decode(t, rec)["errors"].([]interface{})
	assert.Empty(t, list)

	rec = do(t, r, http.MethodPost, "/v1/errors", testutil.TestAPIKey, map[string]string{"category": "webhook"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShadowStats(t *testing.T) {
	r, _ := newTestServer(t)
	rec := do(t, r, http.MethodGet, "/v1/shadow/stats?recent=true", testutil.TestAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, false, out["enabled"])
	assert.NotNil(t, out["stats"])
}

func TestAudit_ListGetVerifyAndIsolation(t *testing.T) {
	r, _ := newTestServer(t)
	rec := do(t, r, http.MethodPost, "/v1/turns", testutil.TestAPIKey, turn("s1", "m1", "hello"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodGet, "/v1/audit?session_id=s1", testutil.TestAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Audits []evidence.Audit `json:"audits"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Audits, 1)
	id := list.Audits[0].ID

	rec = do(t, r, http.MethodGet, "/v1/audit/"+id, testutil.TestAPIKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodGet, "/v1/audit/"+id+"/verify", testutil.TestAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["valid"])

	rec = do(t, r, http.MethodGet, "/v1/audit/"+id, otherKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, r, http.MethodGet, "/v1/audit/"+id+"/verify", otherKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, r, http.MethodGet, "/v1/audit/does-not-exist", testutil.TestAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, http.MethodGet, "/v1/audit", otherKey, nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Empty(t, list.Audits)
}

func TestAuditExport(t *testing.T) {
	r, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/v1/turns", testutil.TestAPIKey, turn("s1", "m1", "hello")).Code)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/v1/turns", testutil.TestAPIKey, turn("s1", "m2", "again")).Code)

	rec := do(t, r, http.MethodPost, "/v1/audit/export", testutil.TestAPIKey, map[string]string{"format": "csv"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(evidence.CSVHeader(), ","), lines[0])

	rec = do(t, r, http.MethodPost, "/v1/audit/export", testutil.TestAPIKey, map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code)
	var records []evidence.ExportRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&records))
	require.Len(t, records, 2)
	assert.True(t, records[0].SignatureValid)

	rec = do(t, r, http.MethodPost, "/v1/audit/export", testutil.TestAPIKey, map[string]string{"format": "xml"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	r, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/turns", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
