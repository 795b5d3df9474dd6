package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage warden configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show resolved configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		renderConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// redact keeps a short prefix of secrets so operators can tell keys apart.
func redact(secret string) string {
	switch {
	case secret == "":
		return "(not set)"
	case len(secret) <= 8:
		return "****"
	default:
		return secret[:4] + "****"
	}
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

func renderConfig(w io.Writer, cfg *config.Config) {
	signing := redact(cfg.SigningKey)
	if cfg.UsingDefaultSigningKey() {
		signing += " (derived default, set WARDEN_SIGNING_KEY)"
	}
	fmt.Fprintf(w, "Data directory:     %s\n", cfg.DataDir)
	fmt.Fprintf(w, "Listen address:     %s\n", cfg.ListenAddr)
	fmt.Fprintf(w, "Keyed store:        %s\n", cfg.Store)
	fmt.Fprintf(w, "Signing key:        %s\n", signing)
	fmt.Fprintf(w, "Responder:          %s (key %s, timeout %s)\n", orUnset(cfg.ResponderURL), redact(cfg.ResponderKey), cfg.ResponderTimeout)
	fmt.Fprintf(w, "Shadow candidate:   %s\n", orUnset(cfg.CandidateURL))
	fmt.Fprintf(w, "Record resolver:    %s\n", orUnset(cfg.ResolverURL))
	fmt.Fprintf(w, "Locale file:        %s\n", orUnset(cfg.LocaleFile))
	fmt.Fprintf(w, "PII pattern file:   %s\n", orUnset(cfg.PIIPatternFile))
	fmt.Fprintf(w, "Sweep schedule:     %s\n", cfg.SweepSchedule)
	fmt.Fprintf(w, "Session TTL:        %s (max %d turns)\n", cfg.SessionTTL, cfg.SessionMaxTurns)
	fmt.Fprintf(w, "Idempotency TTL:    %s\n", cfg.IdempotencyTTL)
	fmt.Fprintf(w, "Verify attempts:    %d\n", cfg.VerifyAttempts)
	fmt.Fprintf(w, "Throttle:           %d msgs / %s, cooldown %s, tenant %.1f/s burst %d\n",
		cfg.Throttle.MaxMessages, cfg.Throttle.Window, cfg.Throttle.Cooldown,
		cfg.Throttle.TenantRate, cfg.Throttle.TenantBurst)
	fmt.Fprintf(w, "Tenants:            %d\n", len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		fmt.Fprintf(w, "  - %s (%d keys)\n", t.ID, len(t.APIKeys))
	}
	fmt.Fprintf(w, "Tools:              %d\n", len(cfg.Tools))
	for _, tc := range cfg.Tools {
		fmt.Fprintf(w, "  - %s -> %s (key %s)\n", tc.Name, tc.URL, redact(tc.APIKey))
	}
}
