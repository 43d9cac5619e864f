package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/LerianStudio/lib-debitguard/debitguard/config"
	"github.com/LerianStudio/lib-debitguard/debitguard/lock"
	"github.com/LerianStudio/lib-debitguard/debitguard/money"
	"github.com/LerianStudio/lib-debitguard/debitguard/postgres"
	"github.com/LerianStudio/lib-debitguard/debitguard/settlement"
	"github.com/spf13/cobra"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Postgres.PrimaryDSN == "" {
				return errors.New("postgres.primary_dsn is not configured")
			}

			client, err := postgres.New(postgres.Config{PrimaryDSN: c.cfg.Postgres.PrimaryDSN, Logger: c.logger})
			if err != nil {
				return err
			}

			if err := client.Connect(cmd.Context()); err != nil {
				return err
			}
			defer client.Close()

			db, err := client.Primary()
			if err != nil {
				return err
			}

			return postgres.Migrate(cmd.Context(), db, c.logger)
		},
	}
}

func (c *cli) returnsCmd() *cobra.Command {
	returnsCmd := &cobra.Command{Use: "returns", Short: "Bank return files"}

	returnsCmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Apply a pain.002 or CSV return file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read return file: %w", err)
			}

			comps, ctx, err := c.components(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			report, err := comps.Processor.Process(ctx, content)
			if err != nil {
				return err
			}

			return printJSON(cmd, report)
		},
	})

	return returnsCmd
}

func (c *cli) batchCmd() *cobra.Command {
	batchCmd := &cobra.Command{Use: "batch", Short: "Batch settlement checks and corrections"}

	var amount string

	check := &cobra.Command{
		Use:   "check <batch> <transaction>",
		Short: "Report whether a bank transaction may settle a batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, ctx, err := c.components(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			if amount == "" {
				res, err := comps.Validator.CheckBatchProcessable(ctx, args[0], args[1])
				if err != nil {
					return err
				}

				return printJSON(cmd, res)
			}

			value, err := money.ParsePositive(amount)
			if err != nil {
				return err
			}

			res, err := comps.Validator.CheckSettlement(ctx, settlement.SettlementCheck{
				BatchID: args[0], TransactionID: args[1], Amount: value,
			})
			if err != nil {
				return err
			}

			return printJSON(cmd, res)
		},
	}
	check.Flags().StringVar(&amount, "amount", "", "also check a split settlement of this amount")

	var actor string

	reverse := &cobra.Command{
		Use:   "reverse <batch> <transaction>",
		Short: "Reverse the entries a bank transaction created on a batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(actor) == "" {
				return errors.New("--actor is required")
			}

			comps, ctx, err := c.components(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			res, err := comps.Validator.ReverseSettlement(ctx, args[0], args[1], actor)
			if err != nil {
				return err
			}

			return printJSON(cmd, res)
		},
	}
	reverse.Flags().StringVar(&actor, "actor", "", "operator recorded on the reversal")

	orphans := &cobra.Command{
		Use:   "orphans <batch>...",
		Short: "List payment entries without a known bank transaction or settled batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, ctx, err := c.components(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			found, err := settlement.DetectOrphanedPayments(ctx, args, comps.Store, comps.Store, comps.Store)
			if err != nil {
				return err
			}

			return printJSON(cmd, found)
		},
	}

	batchCmd.AddCommand(check, reverse, orphans)

	return batchCmd
}

func (c *cli) lockCmd() *cobra.Command {
	lockCmd := &cobra.Command{Use: "lock", Short: "Processing locks"}

	var actor string

	release := &cobra.Command{
		Use:   "release <resource-type> <resource-id>",
		Short: "Force release a lock left behind by a stuck process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(actor) == "" {
				return errors.New("--actor is required")
			}

			if c.cfg.Lock.Backend == config.BackendMemory {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: memory locks live only inside the serving process")
			}

			comps, ctx, err := c.components(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			held, err := comps.Locker.ForceRelease(ctx, args[0], args[1], actor)
			if err != nil {
				return err
			}

			key, _ := lock.Key(args[0], args[1])

			return printJSON(cmd, struct {
				Key      string `json:"key"`
				Released bool   `json:"released"`
			}{Key: key, Released: held})
		},
	}
	release.Flags().StringVar(&actor, "actor", "", "operator recorded on the audit trail")

	lockCmd.AddCommand(release)

	return lockCmd
}

func (c *cli) settleCmd() *cobra.Command {
	settleCmd := &cobra.Command{Use: "settle", Short: "Bank transaction reconciliation"}

	settleCmd.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Settle every unmatched bank transaction once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Store.Backend == config.BackendMemory {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: memory store has no bank transactions to settle")
			}

			comps, ctx, err := c.components(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			report, err := comps.Job.RunOnce(ctx)
			if err != nil {
				return err
			}

			return printJSON(cmd, report)
		},
	})

	return settleCmd
}
