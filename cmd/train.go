package main

import (
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/artifact"
	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/metrics"
	"github.com/sells-group/purchase-forecast/internal/training"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model bundle",
	Long: "Samples labelled (customer, product) pairs from the training horizon, fits the classifier, " +
		"evaluates it on the following horizon, and writes a bundle. --deploy makes it current.",
	Annotations: map[string]string{"job": "train"},
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		start := time.Now()
		m := metrics.New("train")
		defer func() { err = finishJob(ctx, m, start, err) }()

		loc, err := businessLocation()
		if err != nil {
			return err
		}
		asOfFlag, _ := cmd.Flags().GetString("as-of")
		asOf, err := parseDateFlag(asOfFlag, loc)
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			out = filepath.Join(cfg.Model.StagingDir, artifact.NewVersionTag(start))
		}

		reader, closeReader, err := openReader(ctx)
		if err != nil {
			return err
		}
		defer closeReader() //nolint:errcheck

		res, err := training.NewPipeline(reader, training.NewConfig(cfg), clock.System{}, m).Run(ctx, asOf, out)
		if err != nil {
			return err
		}
		zap.L().Info("bundle written",
			zap.String("dir", res.Dir),
			zap.Int("samples", res.Samples),
			zap.Int("positives", res.Positives),
			zap.Float64("f1", res.Metrics.F1),
			zap.Float64("precision", res.Metrics.Precision),
			zap.Float64("recall", res.Metrics.Recall),
		)

		if deploy, _ := cmd.Flags().GetBool("deploy"); deploy {
			d, err := artifact.NewManager(cfg.Model.Dir, nil).Deploy(res.Dir)
			if err != nil {
				return err
			}
			zap.L().Info("bundle deployed", zap.String("release", d.Release), zap.String("archived", d.Archived))
		}
		return nil
	},
}

func init() {
	trainCmd.Flags().String("as-of", "", "training reference date YYYY-MM-DD (default today)")
	trainCmd.Flags().String("output", "", "bundle output directory (default <model.staging_dir>/<version>)")
	trainCmd.Flags().Bool("deploy", false, "deploy the bundle after a successful run")
	rootCmd.AddCommand(trainCmd)
}
