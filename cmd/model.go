package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/artifact"
)

var modelCmd = &cobra.Command{
	Use:         "model",
	Short:       "Manage model bundles",
	Long:        "Commands for listing, validating, deploying, rolling back, and pruning model bundles.",
	Annotations: map[string]string{"job": "model"},
}

func manager() *artifact.Manager {
	return artifact.NewManager(cfg.Model.Dir, nil)
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the current bundle and archives",
	RunE: func(cmd *cobra.Command, _ []string) error {
		entries, err := manager().List()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No bundles found.")
			return nil
		}
		formatEntries(os.Stdout, entries)
		return nil
	},
}

func formatEntries(out io.Writer, entries []artifact.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tCREATED\tTYPE\tFEATURES\tF1\tBUNDLE")
	_, _ = fmt.Fprintln(w, "-------\t-------\t----\t--------\t--\t------")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.3f\t%s\n",
			e.VersionTag, e.CreatedAt.UTC().Format(time.DateTime), e.ModelType, e.FeatureCount, e.F1, e.BundleTag)
	}
	_ = w.Flush()
}

var modelValidateCmd = &cobra.Command{
	Use:   "validate <dir>",
	Short: "Validate a bundle directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := artifact.Validate(args[0]); err != nil {
			return err
		}
		zap.L().Info("bundle is valid", zap.String("dir", args[0]))
		return nil
	},
}

var modelDeployCmd = &cobra.Command{
	Use:   "deploy <dir>",
	Short: "Make a bundle current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := manager().Deploy(args[0])
		if err != nil {
			return err
		}
		zap.L().Info("bundle deployed", zap.String("release", res.Release), zap.String("archived", res.Archived))
		return nil
	},
}

var modelRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Redeploy the newest archive that differs from current",
	RunE: func(cmd *cobra.Command, _ []string) error {
		res, err := manager().Rollback()
		if err != nil {
			return err
		}
		zap.L().Info("rolled back", zap.String("release", res.Release), zap.String("archived", res.Archived))
		return nil
	},
}

var modelCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete all but the newest archives",
	RunE: func(cmd *cobra.Command, _ []string) error {
		keep, _ := cmd.Flags().GetInt("keep")
		if !cmd.Flags().Changed("keep") && cfg.Model.KeepArchives > 0 {
			keep = cfg.Model.KeepArchives
		}
		removed, err := manager().Cleanup(keep)
		if err != nil {
			return err
		}
		zap.L().Info("archives pruned", zap.Int("kept", keep), zap.Strings("removed", removed))
		return nil
	},
}

func init() {
	modelCleanupCmd.Flags().Int("keep", 5, "number of archives to keep")
	modelCmd.AddCommand(modelListCmd, modelValidateCmd, modelDeployCmd, modelRollbackCmd, modelCleanupCmd)
	rootCmd.AddCommand(modelCmd)
}
