package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cursor position and last job of every tenant",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	svc := setup(ctx)
	defer func() {
		_ = svc.Close()
	}()

	report := svc.Status(ctx)

	keys := make([]string, 0, len(report.Tenants))
	for k := range report.Tenants {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TENANT\tCNPJ\tSTATUS\tLAST NSU\tMAX NSU\tLAG\tLAST SYNC\tBLOCKED UNTIL\tLAST JOB\tFAILED")
	for _, k := range keys {
		h := report.Tenants[k]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\t%d\n",
			h.TenantID, h.CNPJ, h.Status, h.LastNSU, h.MaxNSU, h.Lag,
			formatTime(h.LastSyncedAt), formatTime(h.BlockedUntil),
			h.LastJobOutcome, h.FailedDocuments)
	}
	_ = w.Flush()
	fmt.Printf("\nSystem status: %s\n", report.SystemStatus)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
