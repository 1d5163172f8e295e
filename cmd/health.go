package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/db"
	"github.com/sells-group/purchase-forecast/internal/healthmon"
	"github.com/sells-group/purchase-forecast/internal/metrics"
	"github.com/sells-group/purchase-forecast/internal/monitoring"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the database triggers exist and still fire",
	Long: "Runs the existence and functionality check of every registered trigger, appends the results " +
		"to trigger_health_log, and alerts the configured webhook. Failing triggers are reported, not " +
		"returned as an error; only database or health-log failures fail the command.",
	Annotations: map[string]string{"job": "health"},
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		start := time.Now()
		m := metrics.New("health")
		defer func() { err = finishJob(ctx, m, start, err) }()

		loc, err := businessLocation()
		if err != nil {
			return err
		}
		reg, err := healthmon.LoadRegistry(cfg.Health.RegistryPath)
		if err != nil {
			return err
		}
		pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, poolConfig())
		if err != nil {
			return err
		}
		defer pool.Close()

		hcfg := healthmon.NewConfig(cfg)
		if days, _ := cmd.Flags().GetInt("days"); days > 0 {
			hcfg.StatsWindow = time.Duration(days) * 24 * time.Hour
		}
		interval, _ := cmd.Flags().GetDuration("interval")
		if !cmd.Flags().Changed("interval") && cfg.Health.CheckIntervalSecs > 0 {
			interval = time.Duration(cfg.Health.CheckIntervalSecs) * time.Second
		}

		mon := healthmon.NewMonitor(pool, reg, hcfg, clock.System{}, loc, m)
		checker := monitoring.NewChecker(mon, monitoring.NewAlerter(cfg.Health), interval)
		checker.OnReport = func(rep *healthmon.Report) { formatReport(os.Stdout, rep) }

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			checker.Run(ctx)
			return nil
		}
		_, err = checker.Check(ctx)
		return err
	},
}

func formatReport(out io.Writer, rep *healthmon.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Checked at:\t%s\n", rep.CheckedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Overall:\t%s\n\n", rep.Overall)
	_, _ = fmt.Fprintln(w, "TRIGGER\tEXISTS\tFUNCTION\tCRITICAL\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "-------\t------\t--------\t--------\t--------\t-----")

	names := make([]string, 0, len(rep.Functionality))
	for name := range rep.Functionality {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn := rep.Functionality[name]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			name, rep.Existence[name].Status, fn.Status, fn.Critical,
			fn.Duration.Round(time.Millisecond), fn.Error)
	}

	if len(rep.Stats) > 0 {
		_, _ = fmt.Fprintln(w, "\nTRIGGER\tCHECKS\tSUCCESS\tAVG_MS\tMIN_MS\tMAX_MS")
		for _, s := range rep.Stats {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.1f\t%d\t%d\n",
				s.Trigger, s.Checks, s.SuccessRate*100, s.AvgMs, s.MinMs, s.MaxMs)
		}
	}
	if len(rep.Alerts) > 0 {
		_, _ = fmt.Fprintf(w, "\nCritical failures in alert window:\t%d\n", len(rep.Alerts))
	}
	_ = w.Flush()
}

func init() {
	healthCmd.Flags().Int("days", 0, "statistics window in days (default health.stats_days)")
	healthCmd.Flags().Bool("watch", false, "keep checking on an interval until interrupted")
	healthCmd.Flags().Duration("interval", time.Hour, "check interval with --watch (default health.check_interval_secs)")
	rootCmd.AddCommand(healthCmd)
}
