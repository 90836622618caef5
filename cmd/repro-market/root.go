package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"repro_market/pkg/config"
	"repro_market/pkg/utils"
)

type rootOptions struct {
	configFile string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "repro-market",
		Short:         "Reproducibility work-order marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "config.yaml", "Path to configuration file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging to stderr")

	cmd.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
		newAuditRollCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

// load reads the configuration and builds the logger it describes.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if o.debug {
		cfg.LogLevel = "debug"
		cfg.Log.Debug = true
	}

	logger, err := utils.NewLogger(cfg.LoggerConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, logger, nil
}
