// Package verdict defines the closed set of outcomes a turn can have after the
// guards and the throttle have run. Call sites switch on the concrete type:
//
//	switch v := out.Verdict.(type) {
//	case verdict.Allowed:
//	case verdict.Modified:
//	case verdict.Blocked:
//	case verdict.Throttled:
//	}
package verdict

import "time"

// Verdict is implemented only by the types in this package.
type Verdict interface {
	Kind() Kind
	isVerdict()
}

// Kind is the stable string form of a verdict, used in logs and JSON.
type Kind string

const (
	KindAllowed   Kind = "ALLOWED"
	KindModified  Kind = "MODIFIED"
	KindBlocked   Kind = "BLOCKED"
	KindThrottled Kind = "THROTTLED"
)

// BlockReason says why content was blocked.
type BlockReason string

const (
	ReasonRecipientExpansion BlockReason = "recipient_expansion"
	ReasonEmptyContent       BlockReason = "empty_content"
	ReasonInternalError      BlockReason = "internal_error"
)

// ThrottleReason says why a request was throttled.
type ThrottleReason string

const (
	ReasonSessionRateLimit ThrottleReason = "SESSION_RATE_LIMIT"
	ReasonSessionCooldown  ThrottleReason = "SESSION_COOLDOWN"
	ReasonTenantRateLimit  ThrottleReason = "TENANT_RATE_LIMIT"
)

// Allowed passes content through untouched.
type Allowed struct {
	Content string
}

// Modified carries content rewritten by one or more guards.
type Modified struct {
	Content    string
	ModifiedBy []string
}

// Blocked is terminal for the turn; the caller substitutes a fallback.
type Blocked struct {
	Reason    BlockReason
	BlockedBy string
	Detail    string
}

// Throttled is temporary; the caller surfaces RetryAfter.
type Throttled struct {
	Reason     ThrottleReason
	RetryAfter time.Duration
	Count      int
}

func (Allowed) Kind() Kind   { return KindAllowed }
func (Modified) Kind() Kind  { return KindModified }
func (Blocked) Kind() Kind   { return KindBlocked }
func (Throttled) Kind() Kind { return KindThrottled }

func (Allowed) isVerdict()   {}
func (Modified) isVerdict()  {}
func (Blocked) isVerdict()   {}
func (Throttled) isVerdict() {}

// Content returns the deliverable content of an Allowed or Modified verdict.
// ok is false for Blocked and Throttled.
func Content(v Verdict) (content string, ok bool) {
	switch t := v.(type) {
	case Allowed:
		return t.Content, true
	case Modified:
		return t.Content, true
	}
	return "", false
}

// Wire is the JSON shape exposed to collaborators.
type Wire struct {
	Kind         Kind     `json:"kind"`
	Blocked      bool     `json:"blocked"`
	BlockReason  string   `json:"block_reason,omitempty"`
	BlockedBy    string   `json:"blocked_by,omitempty"`
	Content      string   `json:"content,omitempty"`
	ModifiedBy   []string `json:"modified_by,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	RetryAfterMS int64    `json:"retry_after_ms,omitempty"`
	Count        int      `json:"count,omitempty"`
}

// ToWire flattens a verdict for JSON responses.
func ToWire(v Verdict) Wire {
	switch t := v.(type) {
	case Allowed:
		return Wire{Kind: KindAllowed, Content: t.Content}
	case Modified:
		return Wire{Kind: KindModified, Content: t.Content, ModifiedBy: t.ModifiedBy}
	case Blocked:
		return Wire{Kind: KindBlocked, Blocked: true, BlockReason: string(t.Reason), BlockedBy: t.BlockedBy}
	case Throttled:
		return Wire{Kind: KindThrottled, Reason: string(t.Reason), RetryAfterMS: t.RetryAfter.Milliseconds(), Count: t.Count}
	}
	// unknown verdicts fail closed
	return Wire{Kind: KindBlocked, Blocked: true, BlockReason: string(ReasonInternalError)}
}

// FromWire rebuilds a verdict from its wire form. Fields the wire form does
// not carry, such as a Blocked Detail, stay empty. Unknown kinds fail closed.
func FromWire(w Wire) Verdict {
	switch w.Kind {
	case KindAllowed:
		return Allowed{Content: w.Content}
	case KindModified:
		return Modified{Content: w.Content, ModifiedBy: w.ModifiedBy}
	case KindBlocked:
		return Blocked{Reason: BlockReason(w.BlockReason), BlockedBy: w.BlockedBy}
	case KindThrottled:
		return Throttled{Reason: ThrottleReason(w.Reason), RetryAfter: time.Duration(w.RetryAfterMS) * time.Millisecond, Count: w.Count}
	}
	return Blocked{Reason: ReasonInternalError}
}
