package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/metrics"
	"github.com/sells-group/purchase-forecast/internal/recommend"
)

var recommendCmd = &cobra.Command{
	Use:         "recommend",
	Short:       "Rebuild both recommendation snapshots",
	Long:        "Computes the top-N products per customer and top-N customers per product and replaces both tables.",
	Annotations: map[string]string{"job": "recommend"},
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		start := time.Now()
		m := metrics.New("recommend")
		defer func() { err = finishJob(ctx, m, start, err) }()

		loc, err := businessLocation()
		if err != nil {
			return err
		}
		pg, err := openPostgres(ctx)
		if err != nil {
			return err
		}
		defer pg.Close() //nolint:errcheck

		rcfg := recommend.NewConfig(cfg)
		rcfg.DryRun, _ = cmd.Flags().GetBool("dry-run")

		res, err := recommend.NewEngine(pg, rcfg, clock.System{}, loc, m).Run(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("recommendations rebuilt",
			zap.Int("customer_rows", len(res.Customer)),
			zap.Int("product_rows", len(res.Product)),
			zap.Duration("elapsed", res.Elapsed),
			zap.Bool("dry_run", res.DryRun),
		)
		return nil
	},
}

func init() {
	recommendCmd.Flags().Bool("dry-run", false, "compute without replacing the tables")
	rootCmd.AddCommand(recommendCmd)
}
