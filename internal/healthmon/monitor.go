// Package healthmon verifies that the database triggers the downstream systems rely on
// exist and still fire, and keeps a rolling health log of the results.
package healthmon

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/config"
	"github.com/sells-group/purchase-forecast/internal/db"
	"github.com/sells-group/purchase-forecast/internal/metrics"
)

// Status is the outcome tag of one check.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	// StatusInert marks a trigger that ran without error but changed nothing.
	StatusInert Status = "trigger_exists_but_inert"
)

// Passed reports whether the check counts toward the success rate.
func (s Status) Passed() bool { return s == StatusSuccess || s == StatusInert }

// CheckType distinguishes the two checks run per trigger.
type CheckType string

const (
	CheckExistence     CheckType = "existence"
	CheckFunctionality CheckType = "functionality"
)

// CheckResult is one row of the health log.
type CheckResult struct {
	Trigger   string        `json:"trigger_name"`
	Table     string        `json:"table_name"`
	Type      CheckType     `json:"check_type"`
	Status    Status        `json:"status"`
	Duration  time.Duration `json:"execution_time"`
	Error     string        `json:"error_message,omitempty"`
	TestData  string        `json:"test_data_used,omitempty"`
	Critical  bool          `json:"is_critical"`
	CheckedAt time.Time     `json:"check_timestamp"`
}

// Overall is the status of a whole run.
type Overall string

const (
	OverallHealthy  Overall = "healthy"
	OverallWarning  Overall = "warning"
	OverallCritical Overall = "critical"
)

// Report is the result of Monitor.Run.
type Report struct {
	CheckedAt     time.Time              `json:"checked_at"`
	Existence     map[string]CheckResult `json:"existence"`
	Functionality map[string]CheckResult `json:"functionality"`
	Stats         []TriggerStats         `json:"stats"`
	Alerts        []CheckResult          `json:"alerts"`
	Overall       Overall                `json:"overall"`
}

// Failed returns the current functionality results that did not pass, in name order.
func (r *Report) Failed() []CheckResult {
	var out []CheckResult
	for _, c := range r.Functionality {
		if !c.Status.Passed() {
			out = append(out, c)
		}
	}
	sortResults(out)
	return out
}

// Inert returns the current functionality results tagged inert, in name order.
func (r *Report) Inert() []CheckResult {
	var out []CheckResult
	for _, c := range r.Functionality {
		if c.Status == StatusInert {
			out = append(out, c)
		}
	}
	sortResults(out)
	return out
}

// Config tunes a monitor run.
type Config struct {
	ProbeWait          time.Duration
	StatsWindow        time.Duration
	AlertWindow        time.Duration
	ProbesPerSecond    float64
	SuccessRateWarning float64
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		ProbeWait:          500 * time.Millisecond,
		StatsWindow:        7 * 24 * time.Hour,
		AlertWindow:        24 * time.Hour,
		ProbesPerSecond:    2,
		SuccessRateWarning: 0.95,
	}
}

// NewConfig maps application configuration onto a monitor Config.
func NewConfig(cfg *config.Config) Config {
	c := DefaultConfig()
	h := cfg.Health
	if h.ProbeWaitMs > 0 {
		c.ProbeWait = time.Duration(h.ProbeWaitMs) * time.Millisecond
	}
	if h.StatsDays > 0 {
		c.StatsWindow = time.Duration(h.StatsDays) * 24 * time.Hour
	}
	if h.AlertWindowHours > 0 {
		c.AlertWindow = time.Duration(h.AlertWindowHours) * time.Hour
	}
	if h.ProbesPerSecond > 0 {
		c.ProbesPerSecond = h.ProbesPerSecond
	}
	if h.SuccessRateWarning > 0 {
		c.SuccessRateWarning = h.SuccessRateWarning
	}
	return c
}

const existenceSQL = `SELECT EXISTS (
  SELECT 1 FROM pg_trigger tg
  JOIN pg_class c ON c.oid = tg.tgrelid
  WHERE tg.tgname = $1 AND c.relname = $2 AND NOT tg.tgisinternal
)`

// Monitor runs the existence and functionality checks of every registered trigger.
type Monitor struct {
	pool     db.Pool
	registry *Registry
	history  *HealthLog
	cfg      Config
	clk      clock.Clock
	loc      *time.Location
	limiter  *rate.Limiter
	metrics  *metrics.JobMetrics
	log      *zap.Logger
}

// NewMonitor creates a monitor. m may be nil.
func NewMonitor(pool db.Pool, reg *Registry, cfg Config, clk clock.Clock, loc *time.Location, m *metrics.JobMetrics) *Monitor {
	if clk == nil {
		clk = clock.System{}
	}
	if loc == nil {
		loc = time.UTC
	}
	limit := rate.Inf
	if cfg.ProbesPerSecond > 0 {
		limit = rate.Limit(cfg.ProbesPerSecond)
	}
	return &Monitor{
		pool:     pool,
		registry: reg,
		history:  NewHealthLog(pool),
		cfg:      cfg,
		clk:      clk,
		loc:      loc,
		limiter:  rate.NewLimiter(limit, 1),
		metrics:  m,
		log:      zap.L().With(zap.String("component", "healthmon")),
	}
}

// Run checks every trigger, appends the results to the health log, and aggregates the
// report. A failing trigger never makes Run fail; only health-log I/O and cancellation
// do.
func (m *Monitor) Run(ctx context.Context) (*Report, error) {
	now := m.clk.Now()
	rep := &Report{
		CheckedAt:     now.UTC(),
		Existence:     make(map[string]CheckResult, len(m.registry.Triggers)),
		Functionality: make(map[string]CheckResult, len(m.registry.Triggers)),
	}
	pr := &prober{q: m.pool, wait: m.cfg.ProbeWait, today: clock.Today(m.clk, m.loc), log: m.log}

	var results []CheckResult
	for _, t := range m.registry.Triggers {
		ex := m.checkExistence(ctx, t)
		rep.Existence[t.Name] = ex

		var fn CheckResult
		if ex.Status == StatusSuccess {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "healthmon: probe throttle")
			}
			fn = m.probe(ctx, pr, t)
		} else {
			fn = m.result(t, CheckFunctionality, outcome{
				status: StatusFailure,
				err:    eris.Errorf("trigger %s not found on %s", t.Name, t.Table),
			}, 0)
		}
		rep.Functionality[t.Name] = fn
		m.metrics.ObserveProbe(string(fn.Status))

		fields := []zap.Field{
			zap.String("trigger", t.Name),
			zap.String("status", string(fn.Status)),
			zap.Duration("elapsed", fn.Duration),
			zap.Bool("critical", t.Critical),
		}
		switch {
		case !fn.Status.Passed():
			m.log.Warn("trigger check failed", append(fields, zap.String("error", fn.Error))...)
		case fn.Status == StatusInert:
			m.log.Warn("trigger exists but changed nothing", fields...)
		default:
			m.log.Info("trigger check passed", fields...)
		}
		results = append(results, ex, fn)
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "healthmon: run")
	}

	n, err := m.history.Record(ctx, results)
	if err != nil {
		return nil, err
	}
	m.metrics.AddRows(healthLogTable, n)

	if rep.Stats, err = m.history.Stats(ctx, now.Add(-m.cfg.StatsWindow)); err != nil {
		return nil, err
	}
	if rep.Alerts, err = m.history.CriticalFailures(ctx, now.Add(-m.cfg.AlertWindow)); err != nil {
		return nil, err
	}
	rep.Overall = Assess(rep, m.cfg.SuccessRateWarning)

	m.log.Info("trigger health checked",
		zap.String("overall", string(rep.Overall)),
		zap.Int("triggers", len(m.registry.Triggers)),
		zap.Int("failed", len(rep.Failed())),
		zap.Int("alerts", len(rep.Alerts)),
	)
	return rep, nil
}

// Assess derives the overall status: critical if any current check failed, warning if
// a trigger's success rate is below the threshold, a trigger is inert, or failures of
// critical triggers were logged within the alert window, healthy otherwise.
func Assess(rep *Report, successRateWarning float64) Overall {
	for _, c := range rep.Existence {
		if !c.Status.Passed() {
			return OverallCritical
		}
	}
	if len(rep.Failed()) > 0 {
		return OverallCritical
	}
	if len(rep.Alerts) > 0 || len(rep.Inert()) > 0 {
		return OverallWarning
	}
	for _, s := range rep.Stats {
		if s.Checks > 0 && s.SuccessRate < successRateWarning {
			return OverallWarning
		}
	}
	return OverallHealthy
}

func (m *Monitor) checkExistence(ctx context.Context, t Trigger) CheckResult {
	start := time.Now()
	var exists bool
	out := outcome{status: StatusSuccess, testData: t.Name + " on " + t.Table}
	if err := m.pool.QueryRow(ctx, existenceSQL, t.Name, t.Table).Scan(&exists); err != nil {
		out = outcome{status: StatusFailure, err: eris.Wrap(err, "existence query")}
	} else if !exists {
		out.status = StatusFailure
		out.err = eris.Errorf("trigger %s not found on %s", t.Name, t.Table)
	}
	return m.result(t, CheckExistence, out, time.Since(start))
}

func (m *Monitor) probe(ctx context.Context, pr *prober, t Trigger) (res CheckResult) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res = m.result(t, CheckFunctionality, fail("", eris.Errorf("probe panicked: %v", rec)), time.Since(start))
		}
	}()
	out := pr.run(ctx, t)
	return m.result(t, CheckFunctionality, out, time.Since(start))
}

func (m *Monitor) result(t Trigger, typ CheckType, out outcome, elapsed time.Duration) CheckResult {
	r := CheckResult{
		Trigger:   t.Name,
		Table:     t.Table,
		Type:      typ,
		Status:    out.status,
		Duration:  elapsed,
		TestData:  out.testData,
		Critical:  t.Critical,
		CheckedAt: m.clk.Now().UTC(),
	}
	if out.err != nil {
		r.Error = out.err.Error()
	}
	return r
}

func sortResults(rs []CheckResult) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Trigger < rs[j].Trigger })
}
