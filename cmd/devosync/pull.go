package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull [demandaId...]",
	Short: "Pull open demands and their expected items from the API",
	Long: `Pull open demands for the configured center and hydrate their expected
line items into the local database.

Demands already known locally are left untouched so their sync state and any
recorded counts survive. With explicit demand ids only those demands are
hydrated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		ids := args
		if len(ids) == 0 {
			added, err := a.workers.RefreshOpenDemands(ctx, cfg.API.CenterID)
			if err != nil {
				return err
			}
			fmt.Printf("%d new demands registered\n", added)

			demands, err := a.stores.Demands.All(ctx)
			if err != nil {
				return err
			}
			for _, d := range demands {
				if !d.Finalizada {
					ids = append(ids, d.DemandaID)
				}
			}
		}

		for _, id := range ids {
			inserted, err := a.workers.HydrateItems(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to hydrate demand %s: %w", id, err)
			}
			if inserted > 0 {
				fmt.Printf("demand %s: %d items added\n", id, inserted)
			}
		}
		return nil
	},
}
