package testutil

import (
	"path/filepath"
	"testing"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/evidence"
)

// NewTestAuditStore creates an audit store in a temp dir and registers
// t.Cleanup to close it. Uses TestSigningKey.
func NewTestAuditStore(t *testing.T) *evidence.Store {
	t.Helper()
	store, err := evidence.NewStore(filepath.Join(t.TempDir(), "audit.db"), TestSigningKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
