package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Inspect and replay documents that could not be ingested",
}

var failedListCmd = &cobra.Command{
	Use:   "list [tenant]",
	Short: "List dead-lettered documents of a tenant",
	Args:  cobra.ExactArgs(1),
	Run:   runFailedList,
}

var failedDropCmd = &cobra.Command{
	Use:   "drop [tenant] [id]",
	Short: "Discard one dead-lettered document",
	Args:  cobra.ExactArgs(2),
	Run:   runFailedDrop,
}

var failedRetryCmd = &cobra.Command{
	Use:   "retry [tenant]",
	Short: "Re-ingest every dead-lettered document of a tenant",
	Args:  cobra.ExactArgs(1),
	Run:   runFailedRetry,
}

func init() {
	failedCmd.AddCommand(failedListCmd, failedDropCmd, failedRetryCmd)
	rootCmd.AddCommand(failedCmd)
}

func runFailedList(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	svc := setup(ctx)
	defer func() {
		_ = svc.Close()
	}()

	docs, err := svc.FailedDocuments(ctx, args[0])
	if err != nil {
		slog.Error("Failed to list documents", "tenant", args[0], "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tNSU\tSCHEMA\tFAILED AT\tREASON")
	for _, d := range docs {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			d.ID, d.NSU, d.Schema, formatTime(&d.CreatedAt), d.Reason)
	}
	_ = w.Flush()
}

func runFailedDrop(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	svc := setup(ctx)
	defer func() {
		_ = svc.Close()
	}()

	if err := svc.DropFailed(ctx, args[0], args[1]); err != nil {
		slog.Error("Failed to drop document", "tenant", args[0], "id", args[1], "error", err)
		os.Exit(1)
	}
	fmt.Printf("Dropped %s\n", args[1])
}

func runFailedRetry(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	svc := setup(ctx)
	defer func() {
		_ = svc.Close()
	}()

	res, err := svc.RetryFailed(ctx, args[0])
	if err != nil {
		slog.Error("Failed to replay documents", "tenant", args[0], "error", err)
		os.Exit(1)
	}
	fmt.Printf("Replayed: %d imported, %d skipped, %d still failing\n", res.Imported, res.Skipped, res.Failed)
	for _, e := range res.Errors {
		fmt.Printf("  %v\n", e)
	}
}
