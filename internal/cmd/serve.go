package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/classifier"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/config"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/errlog"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/evidence"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/guard"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/idempotency"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/kvstore"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/locale"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/pipeline"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/server"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/session"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/shadow"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/sweeper"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tenant"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/throttle"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tools"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verification"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the warden API with background sweeps",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides listen_addr)")
	rootCmd.AddCommand(serveCmd)
}

// openKeyedStore opens the backend selected by cfg.Store.
func openKeyedStore(cfg *config.Config) (kvstore.KeyedStore, error) {
	switch cfg.Store {
	case config.StoreBadger:
		if err := os.MkdirAll(cfg.StateDir(), 0o700); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
		b, err := kvstore.OpenBadger(cfg.StateDir())
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return kvstore.NewMemory(), nil
	}
}

// buildResolver returns the HTTP resolver when a URL is configured and an
// empty static resolver otherwise; every reference is then unknown.
func buildResolver(cfg *config.Config) verification.RecordResolver {
	if cfg.ResolverURL != "" {
		return verification.NewHTTPResolver(cfg.ResolverURL, cfg.ResolverKey, cfg.ResponderTimeout)
	}
	log.Warn().Msg("resolver_url not set; every order reference will be reported unknown")
	return verification.NewStaticResolver()
}

func buildRegistry(cfg *config.Config) *tools.Registry {
	reg := tools.NewRegistry()
	for _, tc := range cfg.Tools {
		reg.Register(tools.NewHTTPTool(tc))
	}
	return reg
}

// components is everything runServe wires; tests build it without a listener.
type components struct {
	store   kvstore.KeyedStore
	audit   *evidence.Store
	errors  *errlog.Logger
	sweeper *sweeper.Scheduler
	deps    server.Deps
}

func (c *components) Close() {
	if c.errors != nil {
		_ = c.errors.Close()
	}
	if c.audit != nil {
		_ = c.audit.Close()
	}
	if c.store != nil {
		_ = c.store.Close()
	}
}

//nolint:gocyclo // wiring is inherently branched
func buildComponents(cfg *config.Config) (*components, error) {
	if cfg.ResponderURL == "" {
		return nil, fmt.Errorf("responder_url is required; set WARDEN_RESPONDER_URL")
	}
	c := &components{}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	locales, err := locale.Load(cfg.LocaleFile)
	if err != nil {
		return nil, fmt.Errorf("loading locales: %w", err)
	}
	var scanOpts []classifier.ScannerOption
	if cfg.PIIPatternFile != "" {
		scanOpts = append(scanOpts, classifier.WithPatternFile(cfg.PIIPatternFile))
	}
	scanner, err := classifier.NewScanner(scanOpts...)
	if err != nil {
		return nil, fmt.Errorf("building PII scanner: %w", err)
	}

	c.store, err = openKeyedStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening keyed store: %w", err)
	}
	c.audit, err = evidence.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("initializing audit store: %w", err)
	}
	repo, err := errlog.NewSQLiteRepository(cfg.ErrorsDBPath())
	if err != nil {
		return nil, fmt.Errorf("initializing error log: %w", err)
	}
	c.errors = errlog.New(repo, scanner, cfg.ErrLog)

	sessions := session.NewStore(c.store,
		session.WithTTL(cfg.SessionTTL),
		session.WithMaxTurns(cfg.SessionMaxTurns))
	limiter := throttle.New(c.store, cfg.Throttle)
	cache := idempotency.New(c.store, idempotency.WithTTL(cfg.IdempotencyTTL))
	verifier := verification.NewMachine(buildResolver(cfg), locales,
		verification.WithMaxAttempts(cfg.VerifyAttempts))
	g := guard.New(locales, scanner)
	registry := buildRegistry(cfg)
	auditGen := evidence.NewGenerator(c.audit)

	newPipeline := func(r pipeline.Responder) *pipeline.Pipeline {
		return pipeline.New(pipeline.Deps{
			Throttle:    limiter,
			Sessions:    sessions,
			Verifier:    verifier,
			Tools:       registry,
			Idempotency: cache,
			Guard:       g,
			Locales:     locales,
			Responder:   r,
			Audit:       auditGen,
			Errors:      c.errors,
		})
	}
	production := newPipeline(pipeline.NewHTTPResponder(cfg.ResponderURL, cfg.ResponderKey, cfg.ResponderTimeout))
	var candidate shadow.Handler
	if cfg.CandidateURL != "" {
		candidate = newPipeline(pipeline.NewHTTPResponder(cfg.CandidateURL, cfg.CandidateKey, cfg.ResponderTimeout))
	}

	c.sweeper = sweeper.New(30 * time.Second)
	if err := c.sweeper.Register("keyed_state", cfg.SweepSchedule, c.store); err != nil {
		return nil, fmt.Errorf("registering sweep: %w", err)
	}

	if len(cfg.Tenants) == 0 {
		log.Warn().Msg("no tenants configured; all API endpoints will return 401. Set WARDEN_API_KEY or tenants in the config file")
	}
	c.deps = server.Deps{
		Runner:      shadow.NewRunner(production, candidate, cfg.Shadow),
		Guard:       g,
		Throttle:    limiter,
		Idempotency: cache,
		Sessions:    sessions,
		Verifier:    verifier,
		Errors:      c.errors,
		Audit:       c.audit,
		Tenants:     tenant.NewManager(cfg.Tenants),
	}
	ok = true
	return c, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	c.sweeper.Start()
	defer c.sweeper.Stop()

	srv := server.NewServer(c.deps,
		server.WithCORSOrigins(cfg.CORSOrigins),
		server.WithVersion(resolvedVersion()))

	addr := cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("store", cfg.Store).
		Int("tenants", len(cfg.Tenants)).
		Int("tools", len(cfg.Tools)).
		Bool("shadow", cfg.CandidateURL != "").
		Int("sweep_entries", c.sweeper.Entries()).
		Msg("warden_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	c.errors.Flush()
	log.Info().Msg("server_stopped")
	return nil
}
