package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"repro_market/pkg/config"
	"repro_market/pkg/security"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token <handle>",
		Short: "Issue a validator bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOnly(opts)
			if err != nil {
				return err
			}

			tokens, err := security.NewTokenManager(cfg.Security)
			if err != nil {
				return fmt.Errorf("creating token manager: %w", err)
			}
			token, err := tokens.Issue(args[0], time.Now())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(token)
		},
	}
}

// loadConfigOnly reads the configuration for commands that do no logging.
func loadConfigOnly(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
