package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"repro_market/pkg/marketplace"
)

func newAuditRollCmd(opts *rootOptions) *cobra.Command {
	var (
		attempt int
		rate    float64
	)

	cmd := &cobra.Command{
		Use:   "audit-roll <paper-id> <work-order-id>",
		Short: "Recompute the audit roll of an attempt without touching storage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if attempt < 1 {
				return fmt.Errorf("attempt must be at least 1")
			}
			if !cmd.Flags().Changed("rate") {
				cfg, err := loadConfigOnly(opts)
				if err != nil {
					return err
				}
				rate = cfg.Marketplace.AuditRate
			}
			if rate < 0 || rate > 1 {
				return fmt.Errorf("rate must be between 0 and 1")
			}

			res := marketplace.ComputeAuditRoll(args[0], args[1], attempt, rate)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().IntVar(&attempt, "attempt", 1, "Attempt number to evaluate")
	cmd.Flags().Float64Var(&rate, "rate", 0, "Audit rate (defaults to marketplace.audit_rate)")
	return cmd
}
