package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/healthmon"
)

// Runner produces a health report. *healthmon.Monitor satisfies it.
type Runner interface {
	Run(ctx context.Context) (*healthmon.Report, error)
}

// Checker runs the monitor, alerting on each report, once or on an interval.
type Checker struct {
	runner   Runner
	alerter  *Alerter
	interval time.Duration
	// OnReport, if set, receives every report.
	OnReport func(*healthmon.Report)
	log      *zap.Logger
}

// NewChecker creates a checker. A non-positive interval defaults to five minutes.
func NewChecker(runner Runner, alerter *Alerter, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		runner:   runner,
		alerter:  alerter,
		interval: interval,
		log:      zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

// Check runs the monitor once and delivers its alerts.
func (c *Checker) Check(ctx context.Context) (*healthmon.Report, error) {
	rep, err := c.runner.Run(ctx)
	if err != nil {
		return nil, err
	}
	if c.OnReport != nil {
		c.OnReport(rep)
	}

	alerts := c.alerter.Evaluate(rep)
	if len(alerts) == 0 {
		c.log.Debug("no alerts triggered", zap.String("overall", string(rep.Overall)))
		return rep, nil
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Info("alert check complete",
		zap.String("overall", string(rep.Overall)),
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return rep, nil
}

// Run checks immediately and then on every tick until ctx is cancelled. Failed runs are
// logged and retried on the next tick.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("starting health checker", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("health check failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			c.log.Info("health checker stopped")
			return
		case <-ticker.C:
		}
	}
}
