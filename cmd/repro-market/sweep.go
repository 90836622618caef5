package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release overdue claims and audit claims once, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			app, err := newApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return fmt.Errorf("initializing application: %w", err)
			}
			defer app.stop(context.Background())

			reports, sweepErr := app.market.SweepExpired(cmd.Context())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(reports); err != nil {
				return err
			}
			return sweepErr
		},
	}
}
