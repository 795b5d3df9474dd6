// Package config holds OPERATOR-LEVEL configuration for a warden process.
//
// Values come from env vars (WARDEN_*), the config file
// (warden.config.yaml) and the defaults registered in init, merged by
// Viper. Nested sections (throttle, errlog, shadow, tenants) are decoded
// with mapstructure and the whole struct is checked with validator.
//
// Tenant API keys belong in the config file. WARDEN_API_KEY together with
// WARDEN_TENANT_ID is accepted as a single-tenant quickstart.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/errlog"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/evidence"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/shadow"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tenant"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/throttle"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tools"
)

// Viper keys. Each maps to an env var with the WARDEN_ prefix
// (e.g. "signing_key" → WARDEN_SIGNING_KEY) and to a YAML field in
// warden.config.yaml.
const (
	KeyDataDir            = "data_dir"
	KeySigningKey         = "signing_key"
	KeyListenAddr         = "listen_addr"
	KeyStore              = "store"
	KeyLocaleFile         = "locale_file"
	KeyPIIPatternFile     = "pii_pattern_file"
	KeyResponderURL       = "responder_url"
	KeyResponderKey       = "responder_key"
	KeyResponderTimeout   = "responder_timeout"
	KeyCandidateURL       = "candidate_url"
	KeyCandidateKey       = "candidate_key"
	KeyResolverURL        = "resolver_url"
	KeyResolverKey        = "resolver_key"
	KeySweepSchedule      = "sweep_schedule"
	KeySessionTTL         = "session_ttl"
	KeySessionMaxTurns    = "session_max_turns"
	KeyIdempotencyTTL     = "idempotency_ttl"
	KeyVerifyMaxAttempts  = "verification_max_attempts"
	KeyThrottle           = "throttle"
	KeyErrLog             = "errlog"
	KeyShadow             = "shadow"
	KeyTenants            = "tenants"
	KeyTools              = "tools"
	KeyQuickstartAPIKey   = "api_key"
	KeyQuickstartTenantID = "tenant_id"
	KeyTelemetry          = "telemetry"
	KeyCORSOrigins        = "cors_origins"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
)

// Defaults that do NOT involve crypto material.
const (
	DefaultListenAddr       = ":8080"
	DefaultStore            = StoreMemory
	DefaultSweepSchedule    = "@every 1m"
	DefaultResponderTimeout = 30 * time.Second
	DefaultSessionTTL       = 30 * time.Minute
	DefaultSessionMaxTurns  = 50
	DefaultIdempotencyTTL   = time.Hour
	DefaultVerifyAttempts   = 3
)

var validate = validator.New()

// Config holds resolved operator-level configuration.
type Config struct {
	DataDir          string `validate:"required"`
	SigningKey       string `validate:"required"`
	ListenAddr       string `validate:"required"`
	Store            string `validate:"oneof=memory badger"`
	LocaleFile       string
	PIIPatternFile   string
	ResponderURL     string `validate:"omitempty,url"`
	ResponderKey     string
	ResponderTimeout time.Duration `validate:"gt=0"`
	CandidateURL     string        `validate:"omitempty,url"`
	CandidateKey     string
	ResolverURL      string `validate:"omitempty,url"`
	ResolverKey      string
	SweepSchedule    string `validate:"required"`
	SessionTTL       time.Duration `validate:"gt=0"`
	SessionMaxTurns  int           `validate:"gt=0"`
	IdempotencyTTL   time.Duration `validate:"gt=0"`
	VerifyAttempts   int           `validate:"gt=0"`
	Telemetry        bool
	CORSOrigins      []string

	Throttle throttle.Config
	ErrLog   errlog.Config
	Shadow   shadow.Config
	Tenants  []tenant.Tenant        `validate:"dive"`
	Tools    []tools.HTTPToolConfig `validate:"dive"`

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey returns true if the audit signing key was derived
// (not set explicitly).
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// AuditDBPath returns the full path to the guard audit SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// ErrorsDBPath returns the full path to the error log SQLite database.
func (c *Config) ErrorsDBPath() string {
	return filepath.Join(c.DataDir, "errors.db")
}

// StateDir returns the Badger directory for keyed state.
func (c *Config) StateDir() string {
	return filepath.Join(c.DataDir, "state")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when the signing key is not explicitly set.
func (c *Config) WarnIfDefaultKeys() {
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default WARDEN_SIGNING_KEY; set it via env var or config file for production")
	}
}

func init() {
	SetDefaults()
}

// SetDefaults registers env binding and defaults on the global Viper.
func SetDefaults() {
	viper.SetEnvPrefix("WARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyStore, DefaultStore)
	viper.SetDefault(KeySweepSchedule, DefaultSweepSchedule)
	viper.SetDefault(KeyResponderTimeout, DefaultResponderTimeout)
	viper.SetDefault(KeySessionTTL, DefaultSessionTTL)
	viper.SetDefault(KeySessionMaxTurns, DefaultSessionMaxTurns)
	viper.SetDefault(KeyIdempotencyTTL, DefaultIdempotencyTTL)
	viper.SetDefault(KeyVerifyMaxAttempts, DefaultVerifyAttempts)
	viper.SetDefault(KeyCORSOrigins, []string{"*"})

	th := throttle.DefaultConfig()
	viper.SetDefault(KeyThrottle+".max_messages", th.MaxMessages)
	viper.SetDefault(KeyThrottle+".window", th.Window)
	viper.SetDefault(KeyThrottle+".cooldown", th.Cooldown)
	viper.SetDefault(KeyThrottle+".stale_after", th.StaleAfter)

	el := errlog.DefaultConfig()
	viper.SetDefault(KeyErrLog+".dedup_window", el.DedupWindow)
	viper.SetDefault(KeyErrLog+".write_timeout", el.WriteTimeout)
	viper.SetDefault(KeyErrLog+".min_severity", string(el.MinSeverity))

	sh := shadow.DefaultConfig()
	viper.SetDefault(KeyShadow+".sample_rate", sh.SampleRate)
	viper.SetDefault(KeyShadow+".candidate_timeout", sh.CandidateTimeout)
	viper.SetDefault(KeyShadow+".buffer_size", sh.BufferSize)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:          resolveDataDir(),
		SigningKey:       viper.GetString(KeySigningKey),
		ListenAddr:       viper.GetString(KeyListenAddr),
		Store:            viper.GetString(KeyStore),
		LocaleFile:       viper.GetString(KeyLocaleFile),
		PIIPatternFile:   viper.GetString(KeyPIIPatternFile),
		ResponderURL:     viper.GetString(KeyResponderURL),
		ResponderKey:     viper.GetString(KeyResponderKey),
		ResponderTimeout: viper.GetDuration(KeyResponderTimeout),
		CandidateURL:     viper.GetString(KeyCandidateURL),
		CandidateKey:     viper.GetString(KeyCandidateKey),
		ResolverURL:      viper.GetString(KeyResolverURL),
		ResolverKey:      viper.GetString(KeyResolverKey),
		SweepSchedule:    viper.GetString(KeySweepSchedule),
		SessionTTL:       viper.GetDuration(KeySessionTTL),
		SessionMaxTurns:  viper.GetInt(KeySessionMaxTurns),
		IdempotencyTTL:   viper.GetDuration(KeyIdempotencyTTL),
		VerifyAttempts:   viper.GetInt(KeyVerifyMaxAttempts),
		Telemetry:        viper.GetBool(KeyTelemetry),
		CORSOrigins:      viper.GetStringSlice(KeyCORSOrigins),
	}

	for key, dst := range map[string]any{
		KeyThrottle: &cfg.Throttle,
		KeyErrLog:   &cfg.ErrLog,
		KeyShadow:   &cfg.Shadow,
		KeyTenants:  &cfg.Tenants,
		KeyTools:    &cfg.Tools,
	} {
		if err := viper.UnmarshalKey(key, dst); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", key, err)
		}
	}
	if key := viper.GetString(KeyQuickstartAPIKey); key != "" {
		id := viper.GetString(KeyQuickstartTenantID)
		if id == "" {
			id = "default"
		}
		cfg.Tenants = append(cfg.Tenants, tenant.Tenant{ID: id, APIKeys: []string{key}})
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. It is NOT cryptographically strong; it
// only lets a fresh install sign audit records before a key is configured.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("warden:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := evidence.NewSigner(c.SigningKey); err != nil {
		return fmt.Errorf("signing_key: %w; set WARDEN_SIGNING_KEY", err)
	}
	if c.Shadow.SampleRate < 0 || c.Shadow.SampleRate > 1 {
		return fmt.Errorf("shadow.sample_rate must be within [0, 1]")
	}
	seen := make(map[string]string)
	for _, t := range c.Tenants {
		for _, k := range t.APIKeys {
			if owner, dup := seen[k]; dup && owner != t.ID {
				return fmt.Errorf("api key shared by tenants %s and %s", owner, t.ID)
			}
			seen[k] = t.ID
		}
	}
	return nil
}
