package evidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToExportRecord(t *testing.T) {
	a := &Audit{
		ID:           "aud_1",
		Timestamp:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		TenantID:     "acme",
		SessionID:    "s1",
		Channel:      "email",
		Decision:     Decision{Verdict: "MODIFIED", ModifiedBy: []string{"action_claim_guard", "pii_scrubber"}},
		Claims:       Claims{Found: []string{"en:first_person_completed"}, Modified: true},
		PIIMasked:    []string{"credit_card"},
		Verification: Verification{Status: "PENDING"},
		Tools:        []ToolCall{{Name: "cancel_order", Status: "FAIL"}, {Name: "lookup_order", Status: "OK", Cached: true}},
		DurationMS:   42,
	}

	rec := ToExportRecord(a, true)
	assert.Equal(t, "MODIFIED", rec.Verdict)
	assert.Equal(t, []string{"cancel_order=FAIL", "lookup_order=OK"}, rec.ToolStatuses)
	assert.True(t, rec.SignatureValid)

	row := rec.CSVRow()
	require.Len(t, row, len(CSVHeader()))
	assert.Equal(t, "2026-03-01T10:00:00Z", row[1])
	assert.Equal(t, "action_claim_guard;pii_scrubber", row[8])
	assert.Equal(t, "true", row[10])
	assert.Equal(t, "42", row[14])
}

func TestToExportRecord_EmptyOptionalSlices(t *testing.T) {
	rec := ToExportRecord(&Audit{ID: "aud_2", Decision: Decision{Verdict: "ALLOWED"}}, false)
	assert.Empty(t, rec.ModifiedBy)
	assert.Empty(t, rec.ToolStatuses)
	row := rec.CSVRow()
	assert.Equal(t, "", row[8])
	assert.Equal(t, "false", row[15])
}
