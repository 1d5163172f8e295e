package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:         "migrate",
	Short:       "Apply schema migrations",
	Long:        "Applies the embedded SQL migrations for purchase_predictions, both recommendation tables, and trigger_health_log.",
	Annotations: map[string]string{"job": "migrate"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, poolConfig())
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := db.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("all migrations applied successfully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
