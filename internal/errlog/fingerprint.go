package errlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/classifier"
)

// Severity orders error importance.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Entry is one reported failure.
type Entry struct {
	Category string            `json:"category" validate:"required"`
	Severity Severity          `json:"severity"`
	Message  string            `json:"message" validate:"required"`
	Source   string            `json:"source"`
	Code     string            `json:"code,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"`
	Tool     string            `json:"tool,omitempty"`
	Stack    string            `json:"stack,omitempty"`
	TenantID string            `json:"tenant_id,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
}

// Fingerprint hashes the normalised signature of e. Entries that differ only
// in ids, timestamps, UUIDs or hashes inside the message share a fingerprint.
// Callers should redact first; Fingerprint does not scan for PII.
func Fingerprint(e Entry) string {
	sig := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(e.Category)),
		strings.TrimSpace(e.Source),
		strings.TrimSpace(e.Code),
		classifier.NormalizeDynamic(e.Endpoint),
		strings.TrimSpace(e.Tool),
		NormalizeMessage(e.Message),
	}, "|")
	sum := sha256.Sum256([]byte(sig))
	return hex.EncodeToString(sum[:])
}

// NormalizeMessage replaces dynamic tokens and collapses whitespace.
func NormalizeMessage(msg string) string {
	return classifier.NormalizeWhitespace(classifier.NormalizeDynamic(msg))
}

// redact strips PII from the free-text fields of e.
func redact(ctx context.Context, scanner *classifier.Scanner, e Entry) Entry {
	if scanner == nil {
		return e
	}
	e.Message = scanner.Redact(ctx, e.Message)
	e.Stack = scanner.Redact(ctx, e.Stack)
	if len(e.Context) > 0 {
		c := make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			c[k] = scanner.Redact(ctx, v)
		}
		e.Context = c
	}
	return e
}
