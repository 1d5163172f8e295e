package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Purchase prediction and recommendation jobs",
	Long: "Trains the daily purchase classifier, predicts which customers will reorder which products, " +
		"rebuilds product recommendations, and checks the database triggers downstream systems rely on.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		if job := jobOf(cmd); job != "" {
			return cfg.Validate(job)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// jobOf returns the "job" annotation of cmd or its nearest annotated parent.
func jobOf(cmd *cobra.Command) string {
	for c := cmd; c != nil; c = c.Parent() {
		if job := c.Annotations["job"]; job != "" {
			return job
		}
	}
	return ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
