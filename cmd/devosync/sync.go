package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass now",
	Long: `Run a single sync pass against the remote API and exit.

All six phases run in order (products, anomalies, checklists, blind counts,
closing photos, remaining finalized demands). A failing unit of work never
blocks the others; the command exits non-zero when any unit failed, and the
failed records stay queued for the next run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		summary, runErr := a.engine.Run(cmd.Context())

		fmt.Printf("Sync finished in %s\n", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond))
		if summary.ProductsRefreshed {
			fmt.Println("  products catalog refreshed")
		}
		fmt.Printf("  anomalies synced:   %d (skipped %d)\n", summary.AnomaliesSynced, summary.AnomaliesSkipped)
		fmt.Printf("  checklists synced:  %d\n", summary.ChecklistsSynced)
		fmt.Printf("  demands finalized:  %d\n", summary.DemandsFinalized)
		fmt.Printf("  photo sets synced:  %d\n", summary.PhotoSetsSynced)
		if summary.Failed() {
			fmt.Printf("  failed units:       %d\n", len(summary.Errors))
			for _, e := range summary.Errors {
				fmt.Printf("    - %s\n", e)
			}
		}
		return runErr
	},
}
