package errlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Record is a persisted, deduplicated error.
type Record struct {
	ID          string            `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	Category    string            `json:"category"`
	Severity    Severity          `json:"severity"`
	Source      string            `json:"source"`
	Code        string            `json:"code,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Tool        string            `json:"tool,omitempty"`
	TenantID    string            `json:"tenant_id,omitempty"`
	Message     string            `json:"message"`
	Stack       string            `json:"stack,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Occurrences int               `json:"occurrences"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
}

// ListFilter narrows List results. Zero fields match everything.
type ListFilter struct {
	Category    string
	MinSeverity Severity
	Since       time.Time
	Limit       int
}

// Repository persists error records.
type Repository interface {
	// Upsert increments the record with rec.Fingerprint whose last_seen is
	// not older than window, or inserts rec. It reports whether a new
	// record was created.
	Upsert(ctx context.Context, rec Record, window time.Duration) (created bool, err error)
	List(ctx context.Context, f ListFilter) ([]Record, error)
	Close() error
}

// SQLiteRepository stores records in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (and migrates) the database at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=1000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening error log database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS error_log (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		source TEXT NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL DEFAULT '',
		tool TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		stack TEXT NOT NULL DEFAULT '',
		context_json TEXT NOT NULL DEFAULT '{}',
		occurrences INTEGER NOT NULL DEFAULT 1,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_error_log_fingerprint ON error_log(fingerprint, last_seen);
	CREATE INDEX IF NOT EXISTS idx_error_log_last_seen ON error_log(last_seen);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating error log schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Close releases the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Upsert implements Repository.
func (r *SQLiteRepository) Upsert(ctx context.Context, rec Record, window time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "errlog.upsert",
		trace.WithAttributes(attribute.String("errlog.fingerprint", rec.Fingerprint)))
	defer span.End()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx,
		`UPDATE error_log SET occurrences = occurrences + 1, last_seen = ?
		 WHERE id = (SELECT id FROM error_log WHERE fingerprint = ? AND last_seen >= ?
		             ORDER BY last_seen DESC LIMIT 1)`,
		rec.LastSeen.UnixNano(), rec.Fingerprint, rec.LastSeen.Add(-window).UnixNano())
	if err != nil {
		return false, fmt.Errorf("incrementing error record: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, tx.Commit()
	}

	if rec.ID == "" {
		rec.ID = "err_" + uuid.New().String()[:12]
	}
	if rec.Occurrences <= 0 {
		rec.Occurrences = 1
	}
	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return false, fmt.Errorf("marshaling context: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO error_log (id, fingerprint, category, severity, source, code, endpoint, tool,
		                        tenant_id, message, stack, context_json, occurrences, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Fingerprint, rec.Category, string(rec.Severity), rec.Source, rec.Code,
		rec.Endpoint, rec.Tool, rec.TenantID, rec.Message, rec.Stack, string(ctxJSON),
		rec.Occurrences, rec.FirstSeen.UnixNano(), rec.LastSeen.UnixNano())
	if err != nil {
		return false, fmt.Errorf("inserting error record: %w", err)
	}
	return true, tx.Commit()
}

// List returns records newest first.
func (r *SQLiteRepository) List(ctx context.Context, f ListFilter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if !f.Since.IsZero() {
		where = append(where, "last_seen >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if f.MinSeverity != "" {
		var allowed []string
		for s := range severityRank {
			if s.AtLeast(f.MinSeverity) {
				allowed = append(allowed, "?")
				args = append(args, string(s))
			}
		}
		if len(allowed) == 0 {
			return nil, nil
		}
		where = append(where, "severity IN ("+strings.Join(allowed, ",")+")")
	}

	query := `SELECT id, fingerprint, category, severity, source, code, endpoint, tool, tenant_id,
	                 message, stack, context_json, occurrences, first_seen, last_seen
	          FROM error_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_seen DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing error records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			sev      string
			ctxJSON  string
			first    int64
			lastSeen int64
		)
		if err := rows.Scan(&rec.ID, &rec.Fingerprint, &rec.Category, &sev, &rec.Source, &rec.Code,
			&rec.Endpoint, &rec.Tool, &rec.TenantID, &rec.Message, &rec.Stack, &ctxJSON,
			&rec.Occurrences, &first, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning error record: %w", err)
		}
		rec.Severity = Severity(sev)
		rec.FirstSeen = time.Unix(0, first).UTC()
		rec.LastSeen = time.Unix(0, lastSeen).UTC()
		if ctxJSON != "" && ctxJSON != "null" {
			if err := json.Unmarshal([]byte(ctxJSON), &rec.Context); err != nil {
				return nil, fmt.Errorf("decoding context: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating error records: %w", err)
	}
	return out, nil
}
