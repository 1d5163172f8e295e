// Package metrics collects per-job counters and pushes them to a Prometheus Pushgateway
// when the batch finishes. A nil *JobMetrics is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const namespace = "forecast"

// JobMetrics holds the collectors of one job run on a private registry.
type JobMetrics struct {
	job string
	reg *prometheus.Registry

	samples     *prometheus.CounterVec
	pairs       *prometheus.CounterVec
	probes      *prometheus.CounterVec
	rows        *prometheus.CounterVec
	duration    prometheus.Gauge
	lastSuccess prometheus.Gauge
	succeeded   prometheus.Gauge
	modelF1     prometheus.Gauge
}

// New registers the job collectors on a fresh registry.
func New(job string) *JobMetrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	constLabels := prometheus.Labels{"job_name": job}

	return &JobMetrics{
		job: job,
		reg: reg,
		samples: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "training_samples_total",
			Help:        "Training samples generated, by label.",
			ConstLabels: constLabels,
		}, []string{"label"}),
		pairs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "pairs_total",
			Help:        "Customer/product pairs processed, by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		probes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "trigger_probes_total",
			Help:        "Trigger health checks, by status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rows_written_total",
			Help:        "Rows written, by table.",
			ConstLabels: constLabels,
		}, []string{"table"}),
		duration: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "job_duration_seconds",
			Help:        "Wall time of the last run.",
			ConstLabels: constLabels,
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "job_last_success_timestamp_seconds",
			Help:        "Unix time of the last successful run.",
			ConstLabels: constLabels,
		}),
		succeeded: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "job_succeeded",
			Help:        "1 if the last run succeeded, else 0.",
			ConstLabels: constLabels,
		}),
		modelF1: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "model_f1",
			Help:        "Forward-evaluation F1 of the trained model.",
			ConstLabels: constLabels,
		}),
	}
}

// Job returns the job name.
func (m *JobMetrics) Job() string {
	if m == nil {
		return ""
	}
	return m.job
}

// Registry returns the registry the collectors live on.
func (m *JobMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// AddSamples counts generated training samples.
func (m *JobMetrics) AddSamples(label string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.samples.WithLabelValues(label).Add(float64(n))
}

// AddPairs counts pairs by outcome.
func (m *JobMetrics) AddPairs(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pairs.WithLabelValues(outcome).Add(float64(n))
}

// ObserveProbe counts one trigger check.
func (m *JobMetrics) ObserveProbe(status string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(status).Inc()
}

// AddRows counts rows written to table.
func (m *JobMetrics) AddRows(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.rows.WithLabelValues(table).Add(float64(n))
}

// SetModelF1 records the evaluation F1 of a freshly trained model.
func (m *JobMetrics) SetModelF1(f1 float64) {
	if m == nil {
		return
	}
	m.modelF1.Set(f1)
}

// Finish records the run's duration and outcome.
func (m *JobMetrics) Finish(start, end time.Time, ok bool) {
	if m == nil {
		return
	}
	m.duration.Set(end.Sub(start).Seconds())
	if ok {
		m.succeeded.Set(1)
		m.lastSuccess.Set(float64(end.Unix()))
	} else {
		m.succeeded.Set(0)
	}
}

// Push sends the registry to the Pushgateway at url. An empty url is a no-op.
func (m *JobMetrics) Push(ctx context.Context, url string) error {
	if m == nil || url == "" {
		return nil
	}
	err := push.New(url, namespace+"_"+m.job).
		Gatherer(m.reg).
		PushContext(ctx)
	if err != nil {
		return eris.Wrapf(err, "metrics: push %s", m.job)
	}
	zap.L().Debug("metrics pushed", zap.String("job", m.job), zap.String("url", url))
	return nil
}
