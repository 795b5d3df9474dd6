package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrUnknownReference is returned by a RecordResolver when the reference
// does not exist for the tenant.
var ErrUnknownReference = errors.New("unknown reference")

// Record holds the facts a user can corroborate for one underlying record.
type Record struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// RecordResolver maps a primary reference (order, ticket or account number)
// to its underlying record. Several references may resolve to one record.
type RecordResolver interface {
	Resolve(ctx context.Context, tenantID, reference string) (Record, error)
}

// StaticResolver resolves from an in-memory table keyed by tenant and
// reference. It is safe for concurrent use.
type StaticResolver struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewStaticResolver creates an empty StaticResolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{records: make(map[string]Record)}
}

// Add registers reference for tenantID.
func (r *StaticResolver) Add(tenantID, reference string, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[tenantID+"\x00"+normalizeReference(reference)] = rec
}

// Resolve implements RecordResolver.
func (r *StaticResolver) Resolve(_ context.Context, tenantID, reference string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[tenantID+"\x00"+normalizeReference(reference)]
	if !ok {
		return Record{}, ErrUnknownReference
	}
	return rec, nil
}

// HTTPResolver looks references up on the tenant's business backend:
//
//	GET {BaseURL}/tenants/{tenant}/records/{reference}
//
// 404 maps to ErrUnknownReference; any other non-200 status is an error.
type HTTPResolver struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTPResolver creates an HTTPResolver with a bounded client timeout.
func NewHTTPResolver(baseURL, apiKey string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Resolve implements RecordResolver.
func (r *HTTPResolver) Resolve(ctx context.Context, tenantID, reference string) (Record, error) {
	u := fmt.Sprintf("%s/tenants/%s/records/%s", r.BaseURL, url.PathEscape(tenantID), url.PathEscape(normalizeReference(reference)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Record{}, fmt.Errorf("building resolver request: %w", err)
	}
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("resolving reference: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Record{}, ErrUnknownReference
	default:
		return Record{}, fmt.Errorf("resolving reference: upstream status %d", resp.StatusCode)
	}

	var rec Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decoding record: %w", err)
	}
	if rec.ID == "" {
		return Record{}, fmt.Errorf("decoding record: missing id")
	}
	return rec, nil
}

func normalizeReference(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}
