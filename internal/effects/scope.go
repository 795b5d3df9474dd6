// Package effects carries the execution scope that every side-effecting call
// must receive. A scope is either live or dry-run; dry-run scopes refuse all
// persistence, billing and tool side effects.
//
// The zero Scope is dry-run. Only Live() produces a scope that may perform
// side effects, so a scope that was never set up explicitly cannot write.
package effects

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ErrSuppressed is returned by Permit when the scope does not allow side effects.
var ErrSuppressed = errors.New("side effect suppressed in dry-run scope")

// Kind names a class of side effect.
type Kind string

const (
	KindTool      Kind = "tool"
	KindPersist   Kind = "persist"
	KindBilling   Kind = "billing"
	KindAudit     Kind = "audit"
	KindThrottle  Kind = "throttle"
	KindCacheFill Kind = "cache_fill"
)

// Scope is passed by value to every function that may cause a side effect.
type Scope struct {
	live       bool
	label      string
	suppressed *atomic.Int64
}

// Live returns a scope that permits side effects.
func Live() Scope {
	return Scope{live: true, label: "live", suppressed: new(atomic.Int64)}
}

// DryRun returns a scope in which every Permit call fails with ErrSuppressed.
// label identifies the caller in logs (e.g. "shadow").
func DryRun(label string) Scope {
	if label == "" {
		label = "dry_run"
	}
	return Scope{label: label, suppressed: new(atomic.Int64)}
}

// IsDryRun reports whether side effects are disabled.
func (s Scope) IsDryRun() bool { return !s.live }

// Label returns the scope label.
func (s Scope) Label() string {
	if s.label == "" {
		return "dry_run"
	}
	return s.label
}

// Permit returns nil when the scope may perform a side effect of the given
// kind, and ErrSuppressed otherwise. Every refusal is counted.
func (s Scope) Permit(kind Kind) error {
	if s.live {
		return nil
	}
	if s.suppressed != nil {
		s.suppressed.Add(1)
	}
	log.Debug().
		Str("scope", s.Label()).
		Str("effect", string(kind)).
		Msg("side_effect_suppressed")
	return fmt.Errorf("%s: %w", kind, ErrSuppressed)
}

// Suppressed returns how many side effects this scope (and its copies) refused.
func (s Scope) Suppressed() int64 {
	if s.suppressed == nil {
		return 0
	}
	return s.suppressed.Load()
}
