// Package session stores per-conversation state (turn history and the
// verification state) in a KeyedStore with an inactivity TTL.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/effects"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/kvstore"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tools"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verdict"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verification"
)

const (
	// DefaultInactivityTTL is how long an idle session is kept.
	DefaultInactivityTTL = 30 * time.Minute
	// DefaultMaxTurns bounds the stored history.
	DefaultMaxTurns = 50
)

// Channel is the conversational surface.
type Channel string

const (
	ChannelChat     Channel = "chat"
	ChannelPhone    Channel = "phone"
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelChat, ChannelPhone, ChannelEmail, ChannelWhatsApp:
		return true
	}
	return false
}

// Turn is one message in the conversation.
type Turn struct {
	MessageID string    `json:"message_id"`
	Role      string    `json:"role"` // user | assistant
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// Processed is the stored result of one handled inbound message.
type Processed struct {
	MessageID          string         `json:"message_id"`
	Verdict            verdict.Wire   `json:"verdict"`
	VerificationPrompt string         `json:"verification_prompt,omitempty"`
	ToolResults        []tools.Result `json:"tool_results,omitempty"`
	At                 time.Time      `json:"at"`
}

// Session is the per-conversation state.
type Session struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenant_id"`
	Channel      Channel            `json:"channel"`
	Turns        []Turn             `json:"turns"`
	Verification verification.State `json:"verification"`
	// Processed holds the most recent handled messages, oldest first.
	Processed    []Processed `json:"processed,omitempty"`
	LastActivity time.Time   `json:"last_activity"`
	CreatedAt    time.Time   `json:"created_at"`

	isNew bool
}

// IsNew reports whether the session was created by this Load and not saved yet.
func (s *Session) IsNew() bool { return s.isNew }

// Append adds a turn.
func (s *Session) Append(t Turn) { s.Turns = append(s.Turns, t) }

// Lookup returns the stored result of messageID if it was already handled.
func (s *Session) Lookup(messageID string) (Processed, bool) {
	for i := len(s.Processed) - 1; i >= 0; i-- {
		if s.Processed[i].MessageID == messageID {
			return s.Processed[i], true
		}
	}
	return Processed{}, false
}

// MarkProcessed records p, replacing an earlier entry for the same message.
func (s *Session) MarkProcessed(p Processed) {
	for i := range s.Processed {
		if s.Processed[i].MessageID == p.MessageID {
			s.Processed = append(s.Processed[:i], s.Processed[i+1:]...)
			break
		}
	}
	s.Processed = append(s.Processed, p)
}

// Store persists sessions.
type Store struct {
	kv       kvstore.KeyedStore
	ttl      time.Duration
	maxTurns int
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultInactivityTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMaxTurns overrides DefaultMaxTurns.
func WithMaxTurns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTurns = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store over kv.
func NewStore(kv kvstore.KeyedStore, opts ...Option) *Store {
	s := &Store{kv: kv, ttl: DefaultInactivityTTL, maxTurns: DefaultMaxTurns, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Key returns the store key of a session.
func Key(tenantID string, channel Channel, id string) string {
	return fmt.Sprintf("session/%s/%s/%s", tenantID, channel, id)
}

// Load returns the stored session, or a fresh UNVERIFIED session when none
// exists or it expired. A fresh session is not stored until Save.
func (s *Store) Load(ctx context.Context, tenantID string, channel Channel, id string) (*Session, error) {
	raw, err := s.kv.Get(ctx, Key(tenantID, channel, id))
	if errors.Is(err, kvstore.ErrNotFound) {
		now := s.now().UTC()
		return &Session{
			ID:           id,
			TenantID:     tenantID,
			Channel:      channel,
			CreatedAt:    now,
			LastActivity: now,
			isNew:        true,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sess, nil
}

// Save writes sess and refreshes its inactivity TTL. Dry-run scopes do not
// write and return effects.ErrSuppressed.
func (s *Store) Save(ctx context.Context, scope effects.Scope, sess *Session) error {
	if err := scope.Permit(effects.KindPersist); err != nil {
		return err
	}
	sess.LastActivity = s.now().UTC()
	if over := len(sess.Turns) - s.maxTurns; over > 0 {
		sess.Turns = append([]Turn(nil), sess.Turns[over:]...)
	}
	if over := len(sess.Processed) - s.maxTurns; over > 0 {
		sess.Processed = append([]Processed(nil), sess.Processed[over:]...)
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := s.kv.Set(ctx, Key(sess.TenantID, sess.Channel, sess.ID), raw, s.ttl); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	sess.isNew = false
	return nil
}

// Terminate deletes a session, e.g. after a human handoff.
func (s *Store) Terminate(ctx context.Context, scope effects.Scope, tenantID string, channel Channel, id string) error {
	if err := scope.Permit(effects.KindPersist); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, Key(tenantID, channel, id)); err != nil {
		return fmt.Errorf("terminating session: %w", err)
	}
	log.Info().
		Str("tenant_id", tenantID).
		Str("channel", string(channel)).
		Str("session_id", id).
		Msg("session_terminated")
	return nil
}
