// Package tenant resolves API keys to tenants and applies the per-tenant
// request rate on the operator API.
package tenant

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/locale"
)

var (
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrUnknownKey        = errors.New("unknown api key")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// Tenant holds per-tenant API settings.
type Tenant struct {
	ID          string   `mapstructure:"id" validate:"required"`
	DisplayName string   `mapstructure:"display_name"`
	APIKeys     []string `mapstructure:"api_keys" validate:"required,min=1,dive,min=16"`
	// DefaultLocale is used for turns that carry no locale.
	DefaultLocale string `mapstructure:"default_locale"`
	// RateLimit is API requests per second; 0 means no limit.
	RateLimit int `mapstructure:"rate_limit" validate:"gte=0"`
}

// Manager is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	tenants  map[string]*Tenant
	keys     []keyEntry
	limiters map[string]*rate.Limiter
}

type keyEntry struct {
	key      []byte
	tenantID string
}

// NewManager creates a manager over tenants.
func NewManager(tenants []Tenant) *Manager {
	m := &Manager{
		tenants:  make(map[string]*Tenant),
		limiters: make(map[string]*rate.Limiter),
	}
	for i := range tenants {
		t := &tenants[i]
		if t.DefaultLocale != "" {
			t.DefaultLocale = locale.Normalize(t.DefaultLocale)
		}
		m.tenants[t.ID] = t
		for _, k := range t.APIKeys {
			m.keys = append(m.keys, keyEntry{key: []byte(k), tenantID: t.ID})
		}
		if t.RateLimit > 0 {
			m.limiters[t.ID] = rate.NewLimiter(rate.Limit(t.RateLimit), t.RateLimit*2) // burst = 2s worth
		}
	}
	return m
}

// Resolve returns the tenant owning key. Every configured key is compared
// in constant time.
func (m *Manager) Resolve(key string) (Tenant, error) {
	if key == "" {
		return Tenant{}, ErrUnknownKey
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tenantID string
	for _, e := range m.keys {
		if subtle.ConstantTimeCompare(e.key, []byte(key)) == 1 {
			tenantID = e.tenantID
		}
	}
	if tenantID == "" {
		return Tenant{}, ErrUnknownKey
	}
	return *m.tenants[tenantID], nil
}

// Get returns a tenant by id.
func (m *Manager) Get(tenantID string) (Tenant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return Tenant{}, false
	}
	return *t, true
}

// ValidateRequest checks that the tenant exists and is within its request
// rate.
func (m *Manager) ValidateRequest(_ context.Context, tenantID string) error {
	m.mu.RLock()
	_, ok := m.tenants[tenantID]
	lim := m.limiters[tenantID]
	m.mu.RUnlock()
	if !ok {
		return ErrTenantNotFound
	}
	if lim != nil && !lim.Allow() {
		return ErrRateLimitExceeded
	}
	return nil
}

// Len returns the number of tenants.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tenants)
}
