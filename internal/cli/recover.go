package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nbaertsch/squadron/internal/recovery"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run the startup reconciliation sweep once and report the result",
	Long: `Runs the same one-shot recovery sweep "serve" runs before it starts
accepting webhook traffic: fail stale live agents, reconstruct tracking
records from open issues and pull requests, and print a summary. Useful
for inspecting what recovery would do without starting the HTTP server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := buildDeps(ctx)
		if err != nil {
			return err
		}
		defer d.reg.Close()

		summary, err := recovery.Run(ctx, d.cfg, d.reg, d.gh, d.log)
		if err != nil {
			return fmt.Errorf("recovery: %w", err)
		}
		fmt.Printf("failed=%d reconstructed=%d sleeping=%d skipped=%d\n",
			summary.Failed, summary.Reconstructed, summary.Sleeping, summary.Skipped)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}
