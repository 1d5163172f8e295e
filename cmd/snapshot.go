package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/store"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Copy recent history into the offline SQLite extract",
	Long: "Loads admissible transactions and the product master from Postgres and rewrites the SQLite " +
		"extract at store.sqlite_path, so training can run with store.driver=sqlite.",
	Annotations: map[string]string{"job": "snapshot"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		loc, err := businessLocation()
		if err != nil {
			return err
		}
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			days = cfg.Training.TrainingDataDays + cfg.Training.PredictionHorizonDays
		}
		from := clock.AddDays(clock.Today(clock.System{}, loc), -days)

		pg, err := openPostgres(ctx)
		if err != nil {
			return err
		}
		defer pg.Close() //nolint:errcheck

		txns, err := pg.LoadTransactions(ctx, from, time.Time{})
		if err != nil {
			return err
		}
		products, err := pg.LoadProducts(ctx)
		if err != nil {
			return err
		}

		src, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		defer src.Close() //nolint:errcheck
		if err := src.Migrate(ctx); err != nil {
			return err
		}
		if err := src.ReplaceHistory(ctx, txns, products); err != nil {
			return err
		}

		zap.L().Info("snapshot written",
			zap.String("path", cfg.Store.SQLitePath),
			zap.String("from", from.Format(time.DateOnly)),
			zap.Int("transactions", len(txns)),
			zap.Int("products", len(products)),
		)
		return nil
	},
}

func init() {
	snapshotCmd.Flags().Int("days", 0, "days of history to copy (default training_data_days + prediction_horizon_days)")
	rootCmd.AddCommand(snapshotCmd)
}
