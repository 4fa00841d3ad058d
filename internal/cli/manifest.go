package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/dfesync/internal/core/domain"
	"github.com/vietddude/dfesync/internal/signing"
)

var (
	manifestType          string
	manifestJustification string
	manifestSequence      int
)

var manifestCmd = &cobra.Command{
	Use:   "manifest [tenant] [access_key]",
	Short: "Send a recipient manifestation event for one document",
	Args:  cobra.ExactArgs(2),
	Run:   runManifest,
}

func init() {
	manifestCmd.Flags().StringVar(&manifestType, "type", "ack",
		"confirm, ack, unknown, not-performed or the numeric event code")
	manifestCmd.Flags().StringVar(&manifestJustification, "justification", "",
		"reason text, required for not-performed (15 to 255 characters)")
	manifestCmd.Flags().IntVar(&manifestSequence, "seq", 1, "event sequence number")
	rootCmd.AddCommand(manifestCmd)
}

func runManifest(cmd *cobra.Command, args []string) {
	tenantID, accessKey := args[0], args[1]
	t, ok := domain.ParseManifestationType(manifestType)
	if !ok {
		fmt.Printf("Invalid manifestation type: %q\n", manifestType)
		os.Exit(1)
	}

	ctx := context.Background()
	svc := setup(ctx)
	defer func() {
		_ = svc.Close()
	}()

	res, err := svc.Manifest(ctx, tenantID, signing.ManifestRequest{
		AccessKey:     accessKey,
		Type:          t,
		Justification: manifestJustification,
		Sequence:      manifestSequence,
	})
	if res != nil {
		fmt.Printf("Event %s: cStat %s %s\n", res.EventID, res.StatusCode, res.StatusMessage)
		if res.Protocol != "" {
			fmt.Printf("Protocol: %s\n", res.Protocol)
		}
	}
	if err != nil {
		slog.Error("Manifestation failed", "tenant", tenantID, "key", accessKey, "error", err)
		os.Exit(1)
	}
}
