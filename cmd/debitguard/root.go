package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/LerianStudio/lib-debitguard/debitguard/bootstrap"
	"github.com/LerianStudio/lib-debitguard/debitguard/config"
	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/LerianStudio/lib-debitguard/debitguard/zap"
	"github.com/spf13/cobra"
)

type cli struct {
	configPath string
	cfg        config.Config
	logger     log.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "debitguard",
		Short:         "SEPA direct debit duplicate prevention",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "YAML config file; DEBITGUARD_* variables override it")

	root.AddCommand(
		c.serveCmd(),
		c.migrateCmd(),
		c.returnsCmd(),
		c.batchCmd(),
		c.settleCmd(),
		c.lockCmd(),
	)

	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}

	if cfg.Service.Version == "" || cfg.Service.Version == "0.0.0" {
		cfg.Service.Version = Version
	}

	logger, _, err := zap.New(zap.Config{
		Environment:     zap.Environment(cfg.Service.Environment),
		Level:           cfg.Service.LogLevel,
		OTelLibraryName: debitguard.InstrumentationName,
	})
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = logger

	return nil
}

// components builds the configured instance and a context carrying its
// logger and metrics.
func (c *cli) components(ctx context.Context) (*bootstrap.Components, context.Context, error) {
	comps, err := bootstrap.Build(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, nil, err
	}

	return comps, comps.Context(ctx), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	return nil
}
