package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/config"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/evidence"
)

var (
	auditTenant  string
	auditSession string
	auditVerdict string
	auditSince   time.Duration
	auditFormat  string

	auditListLimit   int
	auditExportLimit int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, verify and export guard audit records",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List guard audit records",
	RunE:  auditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [audit-id]",
	Short: "Verify HMAC signature of an audit record",
	Args:  cobra.ExactArgs(1),
	RunE:  auditVerify,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit records as CSV or JSON to stdout",
	RunE:  auditExport,
}

func init() {
	for _, c := range []*cobra.Command{auditListCmd, auditExportCmd} {
		c.Flags().StringVar(&auditTenant, "tenant", "", "Filter by tenant ID")
		c.Flags().StringVar(&auditSession, "session", "", "Filter by session ID")
		c.Flags().StringVar(&auditVerdict, "verdict", "", "Filter by verdict (ALLOWED, MODIFIED, BLOCKED, THROTTLED)")
		c.Flags().DurationVar(&auditSince, "since", 0, "Only records newer than this (e.g. 24h)")
	}
	auditListCmd.Flags().IntVar(&auditListLimit, "limit", 20, "Maximum records to show")
	auditExportCmd.Flags().IntVar(&auditExportLimit, "limit", 1000, "Maximum records to export")
	auditExportCmd.Flags().StringVar(&auditFormat, "format", "csv", "Output format (csv, json)")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	rootCmd.AddCommand(auditCmd)
}

func openAuditStore() (*evidence.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return evidence.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
}

func auditFilter(limit int) evidence.Filter {
	f := evidence.Filter{
		TenantID:  auditTenant,
		SessionID: auditSession,
		Verdict:   auditVerdict,
		Limit:     limit,
	}
	if auditSince > 0 {
		f.From = time.Now().Add(-auditSince)
	}
	return f
}

func auditList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	list, err := store.List(ctx, auditFilter(auditListLimit))
	if err != nil {
		return fmt.Errorf("querying audits: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No audit records found.")
		return nil
	}
	renderAuditList(cmd.OutOrStdout(), list)
	return nil
}

func auditVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	id := args[0]
	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	valid, err := store.Verify(ctx, id)
	if err != nil {
		return fmt.Errorf("verifying audit: %w", err)
	}
	renderVerifyResult(cmd.OutOrStdout(), id, valid)
	if !valid {
		return fmt.Errorf("signature verification failed for %s", id)
	}
	return nil
}

func auditExport(cmd *cobra.Command, args []string) error {
	if auditFormat != "csv" && auditFormat != "json" {
		return fmt.Errorf("format must be csv or json, got %q", auditFormat)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	list, err := store.List(ctx, auditFilter(auditExportLimit))
	if err != nil {
		return fmt.Errorf("querying audits: %w", err)
	}
	records := make([]evidence.ExportRecord, len(list))
	for i := range list {
		valid, _ := store.VerifyRecord(&list[i])
		records[i] = evidence.ToExportRecord(&list[i], valid)
	}
	return writeExport(cmd.OutOrStdout(), auditFormat, records)
}

// writeExport renders records as csv or json.
func writeExport(w io.Writer, format string, records []evidence.ExportRecord) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(evidence.CSVHeader()); err != nil {
		return err
	}
	for i := range records {
		if err := cw.Write(records[i].CSVRow()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// renderAuditList writes one line per audit record to w.
func renderAuditList(w io.Writer, list []evidence.Audit) {
	fmt.Fprintf(w, "Audit Records (showing %d):\n\n", len(list))
	for i := range list {
		a := &list[i]
		mark := "✓"
		switch a.Decision.Verdict {
		case "BLOCKED":
			mark = "✗"
		case "MODIFIED", "THROTTLED":
			mark = "~"
		}
		detail := a.Decision.BlockReason
		if len(a.Decision.ModifiedBy) > 0 {
			detail = joinComma(a.Decision.ModifiedBy)
		}
		if detail != "" {
			detail = " (" + detail + ")"
		}
		fmt.Fprintf(w, "  %s %s | %s | %s/%s/%s | %s%s | %s | %s\n",
			mark,
			a.ID,
			a.Timestamp.Format("2006-01-02 15:04:05"),
			a.TenantID,
			a.Channel,
			a.SessionID,
			a.Decision.Verdict,
			detail,
			a.Verification.Status,
			formatDurationMS(a.DurationMS),
		)
	}
}

// renderVerifyResult writes the verify outcome to w.
func renderVerifyResult(w io.Writer, id string, valid bool) {
	if valid {
		fmt.Fprintf(w, "✓ Audit %s: signature VALID (HMAC-SHA256 intact)\n", id)
	} else {
		fmt.Fprintf(w, "✗ Audit %s: signature INVALID (possible tampering)\n", id)
	}
}
