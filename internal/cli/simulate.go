package cli

import (
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a scripted failure and recovery timeline against a fake provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Simulate(cmd.Context())
	},
}
