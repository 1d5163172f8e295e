// Package monitoring turns trigger-health reports into webhook alerts and runs the
// monitor on an interval.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/config"
	"github.com/sells-group/purchase-forecast/internal/healthmon"
	"github.com/sells-group/purchase-forecast/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertTriggerFailure AlertType = "trigger_failure"
	AlertTriggerInert   AlertType = "trigger_inert"
	AlertSuccessRate    AlertType = "success_rate"
)

// Alert is one webhook payload.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Trigger   string         `json:"trigger_name"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates health reports and delivers alerts to a webhook.
type Alerter struct {
	webhookURL  string
	successRate float64
	client      *http.Client
	backoff     resilience.Backoff
	log         *zap.Logger
}

// NewAlerter creates an Alerter from the health configuration.
func NewAlerter(cfg config.HealthConfig) *Alerter {
	rate := cfg.SuccessRateWarning
	if rate <= 0 {
		rate = healthmon.DefaultConfig().SuccessRateWarning
	}
	return &Alerter{
		webhookURL:  cfg.WebhookURL,
		successRate: rate,
		client:      &http.Client{Timeout: 10 * time.Second},
		backoff:     resilience.DefaultBackoff("health webhook"),
		log:         zap.L().With(zap.String("component", "monitoring.alerter")),
	}
}

// Evaluate returns an alert per failing trigger, per inert trigger, and per trigger
// whose success rate fell below the warning threshold.
func (a *Alerter) Evaluate(rep *healthmon.Report) []Alert {
	var alerts []Alert
	for _, c := range rep.Failed() {
		sev := "warning"
		if c.Critical {
			sev = "critical"
		}
		alerts = append(alerts, Alert{
			Type:     AlertTriggerFailure,
			Severity: sev,
			Trigger:  c.Trigger,
			Message:  fmt.Sprintf("trigger %s on %s failed: %s", c.Trigger, c.Table, c.Error),
			Details: map[string]any{
				"table":       c.Table,
				"test_data":   c.TestData,
				"duration_ms": c.Duration.Milliseconds(),
			},
			Timestamp: rep.CheckedAt,
		})
	}
	for _, c := range rep.Inert() {
		alerts = append(alerts, Alert{
			Type:      AlertTriggerInert,
			Severity:  "warning",
			Trigger:   c.Trigger,
			Message:   fmt.Sprintf("trigger %s on %s fired but changed nothing", c.Trigger, c.Table),
			Details:   map[string]any{"table": c.Table, "test_data": c.TestData},
			Timestamp: rep.CheckedAt,
		})
	}
	for _, s := range rep.Stats {
		if s.Checks == 0 || s.SuccessRate >= a.successRate {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertSuccessRate,
			Severity: "warning",
			Trigger:  s.Trigger,
			Message: fmt.Sprintf("trigger %s success rate %.1f%% below %.1f%% (%d/%d checks)",
				s.Trigger, s.SuccessRate*100, a.successRate*100, s.Passed, s.Checks),
			Details: map[string]any{
				"success_rate": s.SuccessRate,
				"threshold":    a.successRate,
				"checks":       s.Checks,
				"avg_ms":       s.AvgMs,
			},
			Timestamp: rep.CheckedAt,
		})
	}
	return alerts
}

// SendAlerts posts each alert to the webhook and returns how many were delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.webhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.backoff, func(ctx context.Context) error {
			return a.post(ctx, alert)
		})
		if err != nil {
			a.log.Error("failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("trigger", alert.Trigger),
				zap.Error(err),
			)
			continue
		}
		a.log.Info("alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("trigger", alert.Trigger),
		)
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		return &resilience.StatusError{URL: a.webhookURL, Code: resp.StatusCode}
	}
	return nil
}
