package main

import (
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/artifact"
	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/metrics"
	"github.com/sells-group/purchase-forecast/internal/prediction"
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Run one prediction pass",
	Long: "Classifies historical pairs against active predictions and recent purchases, scores the " +
		"eligible pairs with the current bundle, and writes the batch.",
	Annotations: map[string]string{"job": "predict"},
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		start := time.Now()
		m := metrics.New("predict")
		defer func() { err = finishJob(ctx, m, start, err) }()

		loc, err := businessLocation()
		if err != nil {
			return err
		}
		dateFlag, _ := cmd.Flags().GetString("date")
		today, err := parseDateFlag(dateFlag, loc)
		if err != nil {
			return err
		}

		pg, err := openPostgres(ctx)
		if err != nil {
			return err
		}
		defer pg.Close() //nolint:errcheck

		pcfg := prediction.NewConfig(cfg)
		pcfg.DryRun, _ = cmd.Flags().GetBool("dry-run")
		models := prediction.NewBundleSource(artifact.NewLoader(filepath.Join(cfg.Model.Dir, artifact.CurrentLink)))

		res, err := prediction.NewService(pg, models, pcfg, clock.System{}, loc, m).RunAt(ctx, today)
		if err != nil {
			return err
		}
		zap.L().Info("prediction pass complete",
			zap.String("batch_id", res.BatchID),
			zap.Int("predictions", len(res.Predictions)),
			zap.Int("status_changes", len(res.Changes)),
			zap.Int("failed", res.Failed),
			zap.Bool("dry_run", res.DryRun),
		)
		return nil
	},
}

func init() {
	predictCmd.Flags().String("date", "", "business date YYYY-MM-DD (default today in the configured time zone)")
	predictCmd.Flags().Bool("dry-run", false, "compute without writing")
	rootCmd.AddCommand(predictCmd)
}
