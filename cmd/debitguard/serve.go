package main

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/idempotency"
	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	dghttp "github.com/LerianStudio/lib-debitguard/debitguard/net/http"
	"github.com/LerianStudio/lib-debitguard/debitguard/server"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

const purgeInterval = 24 * time.Hour

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled reconciliation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			comps, ctx, err := c.components(cmd.Context())
			if err != nil {
				return err
			}

			app := dghttp.NewApp(c.cfg.Service.Name, c.cfg.HTTP.BodyLimit)
			app.Use(dghttp.WithTracking(c.logger, otel.Tracer(c.cfg.Service.Name), comps.Metrics))

			(&dghttp.Handlers{
				Payments:    comps.Guard,
				Batches:     comps.Validator,
				Returns:     comps.Processor,
				Settlements: comps.Settler,
				Health:      comps.Health,
				Version:     c.cfg.Service.Version,
			}).Register(app)

			m := server.NewManager(c.logger).
				WithHTTPServer(app, c.cfg.HTTP.Address).
				WithShutdownTimeout(c.cfg.HTTP.ShutdownTimeout).
				WithWorker("ledger-purge", func(wctx context.Context) error {
					return purgeLedger(comps.Context(wctx), comps.Ledger, c.logger)
				})

			if c.cfg.Reconcile.Enabled {
				m.WithWorker("reconciliation", func(wctx context.Context) error {
					return comps.Job.Run(comps.Context(wctx))
				})
			}

			for _, cl := range comps.Closers() {
				m.WithCloser(cl.Name, cl.Close)
			}

			c.logger.Log(ctx, log.LevelInfo, "debitguard starting",
				log.String("store", c.cfg.Store.Backend),
				log.String("lock", c.cfg.Lock.Backend),
				log.String("ledger", c.cfg.Ledger.Backend))

			return m.Run()
		},
	}
}

// purgeLedger drops expired idempotency records once a day.
func purgeLedger(ctx context.Context, ledger *idempotency.Ledger, logger log.Logger) error {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := ledger.PurgeExpired(ctx); err != nil {
				logger.Log(ctx, log.LevelWarn, "idempotency purge failed", log.Err(err))
			} else {
				logger.Log(ctx, log.LevelInfo, "idempotency records purged", log.Int("removed", n))
			}
		}
	}
}
