package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/indexing/orchestrator"
	"github.com/vietddude/dfesync/internal/indexing/syncer"
	"github.com/vietddude/dfesync/internal/infra/soap"
)

var (
	syncAccessKey string
	syncNSU       uint64
)

var syncCmd = &cobra.Command{
	Use:   "sync [tenant]",
	Short: "Run one sync for a tenant, or fetch a single document",
	Long: `Without flags, pages through the distribution windows after the committed NSU.
With --access-key or --nsu, fetches that one document without moving the cursor.`,
	Args: cobra.ExactArgs(1),
	Run:  runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncAccessKey, "access-key", "", "fetch the document with this 44 digit access key")
	syncCmd.Flags().Uint64Var(&syncNSU, "nsu", 0, "fetch the document with this NSU")
	syncCmd.MarkFlagsMutuallyExclusive("access-key", "nsu")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) {
	tenantID := args[0]
	if syncAccessKey != "" && !soap.ValidAccessKey(syncAccessKey) {
		fmt.Printf("Invalid access key: %q\n", syncAccessKey)
		os.Exit(1)
	}

	ctx := context.Background()
	svc := setup(ctx)
	defer func() {
		_ = svc.Close()
	}()

	var (
		report *orchestrator.Report
		err    error
	)
	if syncAccessKey != "" || cmd.Flags().Changed("nsu") {
		report, err = svc.Consult(ctx, tenantID, syncer.Lookup{AccessKey: syncAccessKey, NSU: syncNSU})
	} else {
		report, err = svc.Sync(ctx, tenantID)
	}

	if report != nil {
		printReport(report)
	}
	if err != nil && !errors.Is(err, domain.ErrSyncRunning) {
		slog.Error("Sync failed", "tenant", tenantID, "error", err)
		os.Exit(1)
	}
}

func printReport(r *orchestrator.Report) {
	fmt.Printf("Job:        %s\n", r.JobID)
	fmt.Printf("Outcome:    %s\n", r.Outcome)
	fmt.Printf("NSU:        %d -> %d (max %d)\n", r.NSUStart, r.NSUEnd, r.MaxNSU)
	fmt.Printf("Documents:  %d imported, %d skipped, %d failed\n", r.Imported, r.Skipped, r.Failed)
	fmt.Printf("Manifested: %d\n", r.Manifested)
	if r.CaughtUp {
		fmt.Println("Caught up with the authority")
	}
	if r.SafetyStop {
		fmt.Println("Stopped at the iteration limit, more windows are pending")
	}
	if r.BlockedUntil != nil {
		fmt.Printf("Blocked until %s\n", formatTime(r.BlockedUntil))
	}
	if r.Message != "" {
		fmt.Printf("Message:    %s\n", r.Message)
	}
}
