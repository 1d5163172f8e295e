package healthmon

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/purchase-forecast/internal/db"
)

const healthLogTable = "trigger_health_log"

var healthLogColumns = []string{
	"check_timestamp", "trigger_name", "table_name", "check_type", "status",
	"execution_time_ms", "error_message", "test_data_used", "is_critical",
}

// TriggerStats aggregates functionality checks of one trigger over a window.
type TriggerStats struct {
	Trigger     string  `json:"trigger_name"`
	Checks      int     `json:"checks"`
	Passed      int     `json:"passed"`
	SuccessRate float64 `json:"success_rate"`
	AvgMs       float64 `json:"avg_ms"`
	MinMs       int     `json:"min_ms"`
	MaxMs       int     `json:"max_ms"`
}

// HealthLog is the append-only trigger_health_log table.
type HealthLog struct {
	q db.Querier
}

// NewHealthLog wraps q.
func NewHealthLog(q db.Querier) *HealthLog {
	return &HealthLog{q: q}
}

// Record appends results.
func (h *HealthLog) Record(ctx context.Context, results []CheckResult) (int64, error) {
	rows := make([][]any, len(results))
	for i, r := range results {
		rows[i] = []any{
			r.CheckedAt.UTC(), r.Trigger, r.Table, string(r.Type), string(r.Status),
			int32(r.Duration.Milliseconds()), nullable(r.Error), nullable(r.TestData), r.Critical,
		}
	}
	n, err := db.CopyFrom(ctx, h.q, healthLogTable, healthLogColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "healthmon: record checks")
	}
	return n, nil
}

const statsSQL = `SELECT trigger_name,
  COUNT(*)::int,
  COUNT(*) FILTER (WHERE status IN ('success', 'trigger_exists_but_inert'))::int,
  COALESCE(AVG(execution_time_ms), 0)::float8,
  COALESCE(MIN(execution_time_ms), 0)::int,
  COALESCE(MAX(execution_time_ms), 0)::int
FROM trigger_health_log
WHERE check_type = 'functionality' AND check_timestamp >= $1
GROUP BY trigger_name
ORDER BY trigger_name`

// Stats returns per-trigger functionality statistics since the given time.
func (h *HealthLog) Stats(ctx context.Context, since time.Time) ([]TriggerStats, error) {
	rows, err := h.q.Query(ctx, statsSQL, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "healthmon: query stats")
	}
	defer rows.Close()

	var out []TriggerStats
	for rows.Next() {
		var s TriggerStats
		if err := rows.Scan(&s.Trigger, &s.Checks, &s.Passed, &s.AvgMs, &s.MinMs, &s.MaxMs); err != nil {
			return nil, eris.Wrap(err, "healthmon: scan stats")
		}
		if s.Checks > 0 {
			s.SuccessRate = float64(s.Passed) / float64(s.Checks)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "healthmon: iterate stats")
	}
	return out, nil
}

const criticalFailuresSQL = `SELECT check_timestamp, trigger_name, table_name, check_type, status,
  execution_time_ms, COALESCE(error_message, ''), COALESCE(test_data_used, ''), is_critical
FROM trigger_health_log
WHERE is_critical AND status = 'failure' AND check_timestamp >= $1
ORDER BY check_timestamp DESC, trigger_name`

// CriticalFailures returns failed checks of critical triggers since the given time.
func (h *HealthLog) CriticalFailures(ctx context.Context, since time.Time) ([]CheckResult, error) {
	rows, err := h.q.Query(ctx, criticalFailuresSQL, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "healthmon: query critical failures")
	}
	defer rows.Close()

	var out []CheckResult
	for rows.Next() {
		var (
			r      CheckResult
			typ    string
			status string
			ms     int32
		)
		if err := rows.Scan(&r.CheckedAt, &r.Trigger, &r.Table, &typ, &status, &ms, &r.Error, &r.TestData, &r.Critical); err != nil {
			return nil, eris.Wrap(err, "healthmon: scan critical failure")
		}
		r.Type, r.Status = CheckType(typ), Status(status)
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "healthmon: iterate critical failures")
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
