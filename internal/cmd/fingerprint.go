package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/errlog"
)

var fpEntry errlog.Entry

// fingerprintCmd prints the dedup key an error would get, to help tune
// reporters that flood the log with near-identical messages.
var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint [message]",
	Short: "Print the deduplication fingerprint of an error message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e := fpEntry
		e.Message = args[0]
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "normalized:  %s\n", errlog.NormalizeMessage(e.Message))
		fmt.Fprintf(out, "fingerprint: %s\n", errlog.Fingerprint(e))
		return nil
	},
}

func init() {
	fingerprintCmd.Flags().StringVar(&fpEntry.Category, "category", "", "Error category")
	fingerprintCmd.Flags().StringVar(&fpEntry.Source, "source", "", "Reporting source")
	fingerprintCmd.Flags().StringVar(&fpEntry.Code, "code", "", "Error code")
	fingerprintCmd.Flags().StringVar(&fpEntry.Endpoint, "endpoint", "", "Endpoint")
	fingerprintCmd.Flags().StringVar(&fpEntry.Tool, "tool", "", "Tool name")
	rootCmd.AddCommand(fingerprintCmd)
}
