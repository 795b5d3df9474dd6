package evidence

import (
	"strconv"
	"strings"
	"time"
)

// ExportRecord is a flattened audit record for `warden audit export
// --format csv|json`.
type ExportRecord struct {
	ID                 string    `json:"id"`
	Timestamp          time.Time `json:"timestamp"`
	TenantID           string    `json:"tenant_id"`
	SessionID          string    `json:"session_id"`
	Channel            string    `json:"channel"`
	Verdict            string    `json:"verdict"`
	BlockReason        string    `json:"block_reason,omitempty"`
	BlockedBy          string    `json:"blocked_by,omitempty"`
	ModifiedBy         []string  `json:"modified_by,omitempty"`
	ClaimsFound        []string  `json:"claims_found,omitempty"`
	ClaimsModified     bool      `json:"claims_modified"`
	PIIMasked          []string  `json:"pii_masked,omitempty"`
	VerificationStatus string    `json:"verification_status"`
	ToolStatuses       []string  `json:"tool_statuses,omitempty"`
	DurationMS         int64     `json:"duration_ms"`
	SignatureValid     bool      `json:"signature_valid"`
}

// ToExportRecord flattens a. valid is the result of VerifyRecord.
func ToExportRecord(a *Audit, valid bool) ExportRecord {
	rec := ExportRecord{
		ID:                 a.ID,
		Timestamp:          a.Timestamp,
		TenantID:           a.TenantID,
		SessionID:          a.SessionID,
		Channel:            a.Channel,
		Verdict:            a.Decision.Verdict,
		BlockReason:        a.Decision.BlockReason,
		BlockedBy:          a.Decision.BlockedBy,
		ModifiedBy:         append([]string(nil), a.Decision.ModifiedBy...),
		ClaimsFound:        append([]string(nil), a.Claims.Found...),
		ClaimsModified:     a.Claims.Modified,
		PIIMasked:          append([]string(nil), a.PIIMasked...),
		VerificationStatus: a.Verification.Status,
		DurationMS:         a.DurationMS,
		SignatureValid:     valid,
	}
	for _, t := range a.Tools {
		rec.ToolStatuses = append(rec.ToolStatuses, t.Name+"="+t.Status)
	}
	return rec
}

// CSVHeader is the column order of CSVRow.
func CSVHeader() []string {
	return []string{
		"id", "timestamp", "tenant_id", "session_id", "channel", "verdict", "block_reason",
		"blocked_by", "modified_by", "claims_found", "claims_modified", "pii_masked",
		"verification_status", "tool_statuses", "duration_ms", "signature_valid",
	}
}

// CSVRow renders r in CSVHeader order. List fields are ';'-joined.
func (r *ExportRecord) CSVRow() []string {
	return []string{
		r.ID,
		r.Timestamp.Format(time.RFC3339),
		r.TenantID,
		r.SessionID,
		r.Channel,
		r.Verdict,
		r.BlockReason,
		r.BlockedBy,
		strings.Join(r.ModifiedBy, ";"),
		strings.Join(r.ClaimsFound, ";"),
		strconv.FormatBool(r.ClaimsModified),
		strings.Join(r.PIIMasked, ";"),
		r.VerificationStatus,
		strings.Join(r.ToolStatuses, ";"),
		strconv.FormatInt(r.DurationMS, 10),
		strconv.FormatBool(r.SignatureValid),
	}
}

