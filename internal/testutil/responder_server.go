package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/pipeline"
)

// ResponderServer is an httptest.Server speaking the HTTPResponder protocol.
type ResponderServer struct {
	*httptest.Server
	PlanCalls    atomic.Int32
	ComposeCalls atomic.Int32
	// DryRunHeaders and DryRunBodies count requests marked as dry runs.
	DryRunHeaders atomic.Int32
	DryRunBodies  atomic.Int32
}

// NewResponderServer starts a server answering POST /plan with plan and
// POST /compose with draft. Requests without "Bearer <apiKey>" get 401 when
// apiKey is set. Caller must call Close or register t.Cleanup(srv.Close).
func NewResponderServer(apiKey string, plan pipeline.Plan, draft pipeline.Draft) *ResponderServer {
	rs := &ResponderServer{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if apiKey != "" && r.Header.Get("Authorization") != "Bearer "+apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get(pipeline.HeaderDryRun) == "true" {
			rs.DryRunHeaders.Add(1)
		}
		var out any
		switch r.URL.Path {
		case "/plan":
			rs.PlanCalls.Add(1)
			var req pipeline.PlanRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if req.DryRun {
				rs.DryRunBodies.Add(1)
			}
			out = plan
		case "/compose":
			rs.ComposeCalls.Add(1)
			var req pipeline.ComposeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if req.DryRun {
				rs.DryRunBodies.Add(1)
			}
			out = draft
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	rs.Server = httptest.NewServer(handler)
	return rs
}
