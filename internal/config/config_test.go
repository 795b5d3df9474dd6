package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/errlog"
)

func resetViper(t *testing.T) {
	t.Helper()
	for _, k := range []string{"SIGNING_KEY", "DATA_DIR", "LISTEN_ADDR", "STORE", "API_KEY", "TENANT_ID", "RESPONDER_URL", "SESSION_TTL"} {
		t.Setenv("WARDEN_"+k, "")
	}
	viper.Reset()
	SetDefaults()
	t.Cleanup(viper.Reset)
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, DefaultSweepSchedule, cfg.SweepSchedule)
	assert.Equal(t, DefaultSessionTTL, cfg.SessionTTL)
	assert.Equal(t, 30, cfg.Throttle.MaxMessages)
	assert.Equal(t, time.Minute, cfg.Throttle.Window)
	assert.Equal(t, 60*time.Second, cfg.ErrLog.DedupWindow)
	assert.Equal(t, errlog.SeverityWarning, cfg.ErrLog.MinSeverity)
	assert.Equal(t, 1.0, cfg.Shadow.SampleRate)
	assert.Equal(t, 500, cfg.Shadow.BufferSize)
	assert.True(t, cfg.UsingDefaultSigningKey(), "should report default key when none is set")
	assert.Len(t, cfg.SigningKey, 64)
	assert.Empty(t, cfg.Tenants)
}

func TestLoad_ExplicitSigningKey(t *testing.T) {
	resetViper(t)
	t.Setenv("WARDEN_SIGNING_KEY", "my-signing-key-at-least-32-chars!")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "my-signing-key-at-least-32-chars!", cfg.SigningKey)
	assert.False(t, cfg.UsingDefaultSigningKey())
}

func TestLoad_InvalidSigningKeyLength(t *testing.T) {
	resetViper(t)
	t.Setenv("WARDEN_SIGNING_KEY", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing key must be at least 32 bytes")
}

func TestLoad_InvalidStore(t *testing.T) {
	resetViper(t)
	t.Setenv("WARDEN_STORE", "redis")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Store")
}

func TestLoad_QuickstartTenant(t *testing.T) {
	resetViper(t)
	t.Setenv("WARDEN_API_KEY", "quickstart-key-0123456789")
	t.Setenv("WARDEN_TENANT_ID", "acme")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Tenants, 1)
	assert.Equal(t, "acme", cfg.Tenants[0].ID)
	assert.Equal(t, []string{"quickstart-key-0123456789"}, cfg.Tenants[0].APIKeys)
}

func TestLoad_ConfigFile(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
store: badger
responder_url: http://responder:9000
throttle:
  max_messages: 5
  window: 10s
  cooldown: 1m
errlog:
  min_severity: error
  expected_codes: [VERIFICATION_REQUIRED]
shadow:
  sample_rate: 0.25
  candidate_timeout: 2s
tenants:
  - id: acme
    default_locale: tr
    rate_limit: 20
    api_keys: [acme-key-0123456789abcdef]
  - id: globex
    api_keys: [globex-key-0123456789abcd]
tools:
  - name: cancel_order
    url: https://shop.example.com/hooks/cancel
    sensitive: true
    timeout: 3s
  - name: order_status
    url: https://shop.example.com/hooks/status
    read_only: true
`), 0o600))
	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, StoreBadger, cfg.Store)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.StateDir())
	assert.Equal(t, "http://responder:9000", cfg.ResponderURL)
	assert.Equal(t, 5, cfg.Throttle.MaxMessages)
	assert.Equal(t, 10*time.Second, cfg.Throttle.Window)
	assert.Equal(t, time.Minute, cfg.Throttle.Cooldown)
	assert.Equal(t, errlog.SeverityError, cfg.ErrLog.MinSeverity)
	assert.Equal(t, []string{"VERIFICATION_REQUIRED"}, cfg.ErrLog.ExpectedCodes)
	assert.Equal(t, 0.25, cfg.Shadow.SampleRate)
	assert.Equal(t, 2*time.Second, cfg.Shadow.CandidateTimeout)
	require.Len(t, cfg.Tenants, 2)
	assert.Equal(t, "tr", cfg.Tenants[0].DefaultLocale)
	assert.Equal(t, 20, cfg.Tenants[0].RateLimit)
	require.Len(t, cfg.Tools, 2)
	assert.Equal(t, "cancel_order", cfg.Tools[0].Name)
	assert.False(t, cfg.Tools[0].ReadOnly, "tools are side-effecting unless marked")
	assert.Equal(t, 3*time.Second, cfg.Tools[0].Timeout)
	assert.True(t, cfg.Tools[1].ReadOnly)
}

func TestLoad_TenantValidation(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tenants:
  - id: acme
    api_keys: [short]
`), 0o600))
	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APIKeys")
}

func TestLoad_SharedKeyRejected(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tenants:
  - id: acme
    api_keys: [shared-key-0123456789abc]
  - id: globex
    api_keys: [shared-key-0123456789abc]
`), 0o600))
	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared by tenants")
}

func TestLoad_CustomDataDir(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	t.Setenv("WARDEN_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestConfig_DBPaths(t *testing.T) {
	cfg := &Config{DataDir: "/data/warden"}
	assert.Equal(t, "/data/warden/audit.db", cfg.AuditDBPath())
	assert.Equal(t, "/data/warden/errors.db", cfg.ErrorsDBPath())
}

func TestConfig_EnsureDataDir(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{DataDir: dir + "/nested/deep"}
	require.NoError(t, cfg.EnsureDataDir())
}

func TestDeriveDefaultKey(t *testing.T) {
	k1 := deriveDefaultKey("/home/user/.warden", "salt")
	assert.Equal(t, k1, deriveDefaultKey("/home/user/.warden", "salt"))
	assert.Len(t, k1, 64)
	assert.NotEqual(t, k1, deriveDefaultKey("/home/user/.warden", "other"))
	assert.NotEqual(t, k1, deriveDefaultKey("/home/bob/.warden", "salt"))
}
