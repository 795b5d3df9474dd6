package server

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/evidence"
)

func (s *Server) auditEnabled(w http.ResponseWriter) bool {
	if s.d.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "audit store disabled")
		return false
	}
	return true
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if !s.auditEnabled(w) {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "from must be RFC3339")
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "to must be RFC3339")
		return
	}
	list, err := s.d.Audit.List(r.Context(), evidence.Filter{
		TenantID:  TenantIDFromContext(r.Context()),
		SessionID: q.Get("session_id"),
		Verdict:   q.Get("verdict"),
		From:      from,
		To:        to,
		Limit:     limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if list == nil {
		list = []evidence.Audit{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"audits": list})
}

// tenantAudit loads id and hides records that belong to another tenant.
func (s *Server) tenantAudit(w http.ResponseWriter, r *http.Request) (*evidence.Audit, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return nil, false
	}
	a, err := s.d.Audit.Get(r.Context(), id)
	if errors.Is(err, evidence.ErrNotFound) || (err == nil && a.TenantID != TenantIDFromContext(r.Context())) {
		writeError(w, http.StatusNotFound, "not_found", "audit record not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return nil, false
	}
	return a, true
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	if !s.auditEnabled(w) {
		return
	}
	a, ok := s.tenantAudit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if !s.auditEnabled(w) {
		return
	}
	a, ok := s.tenantAudit(w, r)
	if !ok {
		return
	}
	valid, err := s.d.Audit.VerifyRecord(a)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": a.ID, "valid": valid})
}

type auditExportRequest struct {
	SessionID string `json:"session_id"`
	Verdict   string `json:"verdict"`
	From      string `json:"from"`
	To        string `json:"to"`
	Limit     int    `json:"limit"`
	Format    string `json:"format"` // csv | json
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if !s.auditEnabled(w) {
		return
	}
	var req auditExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 1000
	}
	from, err := parseTimeParam(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "from must be RFC3339")
		return
	}
	to, err := parseTimeParam(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "to must be RFC3339")
		return
	}
	format := req.Format
	if format == "" {
		format = "json"
	}
	if format != "csv" && format != "json" {
		writeError(w, http.StatusBadRequest, "invalid_request", "format must be csv or json")
		return
	}
	list, err := s.d.Audit.List(r.Context(), evidence.Filter{
		TenantID:  TenantIDFromContext(r.Context()),
		SessionID: req.SessionID,
		Verdict:   req.Verdict,
		From:      from,
		To:        to,
		Limit:     limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	records := make([]evidence.ExportRecord, len(list))
	for i := range list {
		valid, _ := s.d.Audit.VerifyRecord(&list[i])
		records[i] = evidence.ToExportRecord(&list[i], valid)
	}
	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		cw := csv.NewWriter(w)
		_ = cw.Write(evidence.CSVHeader())
		for i := range records {
			_ = cw.Write(records[i].CSVRow())
		}
		cw.Flush()
		return
	}
	writeJSON(w, http.StatusOK, records)
}
