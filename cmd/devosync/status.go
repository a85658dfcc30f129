package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local demands and their sync state",
	Long: `Show every demand in the local database with its child records and
per-record sync state. Demands with unsynced records are the ones the next
sync run will push.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		demands, err := a.stores.AllWithItems(cmd.Context())
		if err != nil {
			return err
		}
		if len(demands) == 0 {
			fmt.Println("No demands in the local database.")
			return nil
		}

		pending := 0
		for _, d := range demands {
			state := "synced"
			if !d.FullySynced() {
				state = "pending"
				pending++
			}

			fmt.Printf("Demand %s  [%s]\n", d.Demand.DemandaID, state)
			if d.Demand.Placa != "" {
				fmt.Printf("  placa: %s  doca: %s\n", d.Demand.Placa, d.Demand.Doca)
			}
			if d.Demand.Finalizada {
				fmt.Println("  finalized locally")
			}
			fmt.Printf("  conferences: %d (%d unsynced)\n", len(d.Conferences), d.UnsyncedConferences)
			if len(d.Anomalies) > 0 {
				fmt.Printf("  anomalies:   %d (%d unsynced)\n", len(d.Anomalies), d.UnsyncedAnomalies)
			}
			if d.Checklist != nil {
				fmt.Printf("  checklist:   synced=%v\n", d.Checklist.Synced)
			}
			if len(d.FinishPhotos) > 0 {
				fmt.Printf("  photo sets:  %d\n", len(d.FinishPhotos))
			}
		}

		count, err := a.stores.Products.Count(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("\n%d demands (%d pending sync), %d products in catalog\n", len(demands), pending, count)
		return nil
	},
}
