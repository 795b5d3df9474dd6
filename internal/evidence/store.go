// Package evidence provides an HMAC-signed audit trail of guard decisions.
//
// Every live turn that reaches the guards produces an Audit record (claims
// found, whether content was modified or blocked, the verification status
// and the tool statuses) that is signed (HMAC-SHA256) and persisted in
// SQLite. Dry-run scopes never write.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/effects"
	wardenotel "github.com/nurettinerzen/ai-assistant-saas-sub014/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/nurettinerzen/ai-assistant-saas-sub014/internal/evidence")

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("audit record not found")

// Store persists HMAC-signed audit records in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// Audit is the full record for one guarded turn.
type Audit struct {
	ID            string       `json:"id"`
	CorrelationID string       `json:"correlation_id"`
	Timestamp     time.Time    `json:"timestamp"`
	TenantID      string       `json:"tenant_id"`
	SessionID     string       `json:"session_id"`
	Channel       string       `json:"channel"`
	MessageID     string       `json:"message_id,omitempty"`
	Locale        string       `json:"locale,omitempty"`
	Decision      Decision     `json:"decision"`
	Claims        Claims       `json:"claims"`
	PIIMasked     []string     `json:"pii_masked,omitempty"`
	Verification  Verification `json:"verification"`
	Tools         []ToolCall   `json:"tools,omitempty"`
	AuditTrail    AuditTrail   `json:"audit_trail"`
	DurationMS    int64        `json:"duration_ms"`
	Signature     string       `json:"signature"`
}

// Decision captures the guard verdict.
type Decision struct {
	Verdict     string   `json:"verdict"`
	BlockReason string   `json:"block_reason,omitempty"`
	BlockedBy   string   `json:"blocked_by,omitempty"`
	ModifiedBy  []string `json:"modified_by,omitempty"`
}

// Claims captures the action-claim guard result.
type Claims struct {
	Found    []string `json:"found,omitempty"`
	Modified bool     `json:"modified"`
}

// Verification captures the session's verification state after the turn.
type Verification struct {
	Status   string `json:"status"`
	RecordID string `json:"record_id,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// ToolCall records one tool result of the turn.
type ToolCall struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Cached bool   `json:"cached,omitempty"`
}

// AuditTrail contains content hashes for integrity verification.
type AuditTrail struct {
	InputHash string `json:"input_hash"`
	DraftHash string `json:"draft_hash"`
	ReplyHash string `json:"reply_hash"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	TenantID  string
	SessionID string
	Verdict   string
	From, To  time.Time
	Limit     int
}

// NewStore creates an audit store with HMAC signing.
func NewStore(dbPath string, signingKey string) (*Store, error) {
	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS guard_audit (
		id TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		tenant_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		verdict TEXT NOT NULL,
		audit_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_guard_audit_tenant ON guard_audit(tenant_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_guard_audit_session ON guard_audit(session_id);
	CREATE INDEX IF NOT EXISTS idx_guard_audit_correlation ON guard_audit(correlation_id);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record signs and saves a. It refuses to write in a dry-run scope.
func (s *Store) Record(ctx context.Context, scope effects.Scope, a *Audit) error {
	if err := scope.Permit(effects.KindAudit); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "evidence.record",
		trace.WithAttributes(
			attribute.String("audit.id", a.ID),
			attribute.String("tenant_id", a.TenantID),
			attribute.String("verdict", a.Decision.Verdict),
		))
	defer span.End()

	a.Signature = ""
	unsigned, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling audit: %w", err)
	}
	signature, err := s.signer.Sign(unsigned)
	if err != nil {
		return fmt.Errorf("signing audit: %w", err)
	}
	a.Signature = signature

	signed, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling signed audit: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO guard_audit (id, correlation_id, timestamp, tenant_id, session_id, verdict, audit_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CorrelationID, a.Timestamp.UnixNano(), a.TenantID, a.SessionID,
		a.Decision.Verdict, string(signed), signature,
	)
	if err != nil {
		return fmt.Errorf("storing audit: %w", err)
	}
	return nil
}

// Get retrieves an audit record by id.
func (s *Store) Get(ctx context.Context, id string) (*Audit, error) {
	ctx, span := tracer.Start(ctx, "evidence.get",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	var auditJSON string
	err := s.db.QueryRowContext(ctx, `SELECT audit_json FROM guard_audit WHERE id = ?`, id).Scan(&auditJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit: %w", err)
	}

	var a Audit
	if err := json.Unmarshal([]byte(auditJSON), &a); err != nil {
		return nil, fmt.Errorf("unmarshaling audit: %w", err)
	}
	return &a, nil
}

// List returns audit records matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Audit, error) {
	ctx, span := tracer.Start(ctx, "evidence.list",
		trace.WithAttributes(attribute.String("tenant_id", f.TenantID)))
	defer span.End()

	query := `SELECT audit_json FROM guard_audit WHERE 1=1`
	var args []any

	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.Verdict != "" {
		query += ` AND verdict = ?`
		args = append(args, f.Verdict)
	}
	if !f.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.To.UnixNano())
	}
	query += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audits: %w", err)
	}
	defer rows.Close()

	var results []Audit
	for rows.Next() {
		var auditJSON string
		if err := rows.Scan(&auditJSON); err != nil {
			continue
		}
		var a Audit
		if err := json.Unmarshal([]byte(auditJSON), &a); err != nil {
			continue
		}
		results = append(results, a)
	}
	span.SetAttributes(attribute.Int("audit.count", len(results)))
	return results, rows.Err()
}

// Verify checks the HMAC signature of the record with the given id.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "evidence.verify",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	a, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s.VerifyRecord(a)
}

// VerifyRecord checks the signature carried by a.
func (s *Store) VerifyRecord(a *Audit) (bool, error) {
	cp := *a
	signature := cp.Signature
	cp.Signature = ""
	unsigned, err := json.Marshal(&cp)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}
	return s.signer.Verify(unsigned, signature), nil
}
