// Package verification implements the per-session identity challenge that
// gates disclosure of a record's sensitive fields.
//
//	UNVERIFIED --primary ref--> PENDING --matching fact--> VERIFIED
//	                               |
//	                               +--mismatch--> FAILED --matching fact--> VERIFIED
//
// Trust is bound to one record. Presenting a reference that resolves to a
// different record always starts a fresh PENDING challenge.
package verification

import "time"

// Status is the verification status of a session.
type Status string

const (
	StatusUnverified Status = "UNVERIFIED"
	StatusPending    Status = "PENDING"
	StatusVerified   Status = "VERIFIED"
	StatusFailed     Status = "FAILED"
)

// State is persisted inside the session. The zero value is UNVERIFIED.
type State struct {
	Status Status `json:"status"`
	// RecordID is the underlying record the challenge is bound to.
	RecordID string `json:"record_id,omitempty"`
	// Reference is the primary token as the user presented it.
	Reference  string    `json:"reference,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Locked     bool      `json:"locked,omitempty"`
	VerifiedAt time.Time `json:"verified_at,omitempty"`
}

// Current returns the status, treating the zero value as UNVERIFIED.
func (s State) Current() Status {
	if s.Status == "" {
		return StatusUnverified
	}
	return s.Status
}

// CanDisclose reports whether sensitive fields of recordID may be shown.
// Only a VERIFIED, unlocked state bound to exactly that record qualifies.
func CanDisclose(s State, recordID string) bool {
	return recordID != "" &&
		!s.Locked &&
		s.Current() == StatusVerified &&
		s.RecordID == recordID
}

// Reset returns the initial state, used on explicit termination or after a
// human agent has taken over.
func Reset(State) State { return State{} }
