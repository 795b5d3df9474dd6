package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/config"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/errlog"
)

var (
	errorsCategory    string
	errorsMinSeverity string
	errorsSince       time.Duration
	errorsLimit       int
)

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Inspect the deduplicated error log",
}

var errorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List error records, most recent first",
	RunE:  errorsList,
}

func init() {
	errorsListCmd.Flags().StringVar(&errorsCategory, "category", "", "Filter by category")
	errorsListCmd.Flags().StringVar(&errorsMinSeverity, "min-severity", "", "Lowest severity to show (info, warning, error, critical)")
	errorsListCmd.Flags().DurationVar(&errorsSince, "since", 0, "Only records seen within this window (e.g. 1h)")
	errorsListCmd.Flags().IntVar(&errorsLimit, "limit", 20, "Maximum records to show")
	errorsCmd.AddCommand(errorsListCmd)
	rootCmd.AddCommand(errorsCmd)
}

func errorsList(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "errors.list")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	sev := errlog.Severity(errorsMinSeverity)
	if sev != "" && !sev.Valid() {
		return fmt.Errorf("unknown severity %q", errorsMinSeverity)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	repo, err := errlog.NewSQLiteRepository(cfg.ErrorsDBPath())
	if err != nil {
		return fmt.Errorf("opening error log: %w", err)
	}
	defer repo.Close()

	f := errlog.ListFilter{Category: errorsCategory, MinSeverity: sev, Limit: errorsLimit}
	if errorsSince > 0 {
		f.Since = time.Now().Add(-errorsSince)
	}
	records, err := repo.List(ctx, f)
	if err != nil {
		return fmt.Errorf("listing errors: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No error records found.")
		return nil
	}
	renderErrorList(cmd.OutOrStdout(), records)
	return nil
}

func renderErrorList(w io.Writer, records []errlog.Record) {
	fmt.Fprintf(w, "Error Records (showing %d):\n\n", len(records))
	for i := range records {
		r := &records[i]
		fmt.Fprintf(w, "  [%s] %s | %s | x%d | %s .. %s | %s\n",
			r.Severity,
			r.Fingerprint[:min(12, len(r.Fingerprint))],
			r.Category,
			r.Occurrences,
			r.FirstSeen.Format("2006-01-02 15:04:05"),
			r.LastSeen.Format("15:04:05"),
			truncate(r.Message, 80),
		)
	}
}
