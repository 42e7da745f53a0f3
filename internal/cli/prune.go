package cli

import (
	"time"

	"github.com/spf13/cobra"

	"gpufleet/internal/app"
)

var (
	pruneKeepChecks     int
	prunePriceRetention time.Duration
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Trim health check and price history to retention limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.PruneOptions{
			KeepChecks:     pruneKeepChecks,
			PriceRetention: prunePriceRetention,
		}

		return getApp().Prune(cmd.Context(), opts)
	},
}

func init() {
	pruneCmd.Flags().IntVar(&pruneKeepChecks, "keep-checks", 10000, "Health check rows to keep per deployment")
	pruneCmd.Flags().DurationVar(&prunePriceRetention, "price-retention", 720*time.Hour, "Age past which price records are deleted")
}
