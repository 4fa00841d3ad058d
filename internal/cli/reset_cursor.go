package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var resetCursorCmd = &cobra.Command{
	Use:   "reset-cursor [tenant] [nsu]",
	Short: "Move the committed NSU of a tenant, backwards included",
	Args:  cobra.ExactArgs(2),
	Run:   runResetCursor,
}

func init() {
	rootCmd.AddCommand(resetCursorCmd)
}

func runResetCursor(cmd *cobra.Command, args []string) {
	tenantID := args[0]
	nsu, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Invalid NSU: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	svc := setup(ctx)
	defer func() {
		_ = svc.Close()
	}()

	c, err := svc.ResetCursor(ctx, tenantID, nsu)
	if err != nil {
		slog.Error("Failed to reset cursor", "tenant", tenantID, "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully reset cursor for %s (%s) to NSU %d\n", tenantID, c.CNPJ, c.LastNSU)
}
