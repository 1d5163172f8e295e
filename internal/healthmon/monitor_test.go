package healthmon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/metrics"
)

var checkNow = time.Date(2025, 8, 1, 3, 0, 0, 0, time.UTC)

func inventoryRegistry(critical bool) *Registry {
	return &Registry{Triggers: []Trigger{{Name: "trg_inv", Table: "inventory", Probe: ProbeInventory, Critical: critical}}}
}

func newTestMonitor(mock pgxmock.PgxPoolIface, reg *Registry) *Monitor {
	cfg := DefaultConfig()
	cfg.ProbeWait = 0
	cfg.ProbesPerSecond = 0
	return NewMonitor(mock, reg, cfg, clock.Fixed(checkNow), time.UTC, metrics.New("health"))
}

func statsRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"trigger_name", "checks", "passed", "avg_ms", "min_ms", "max_ms"})
}

func failureRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"check_timestamp", "trigger_name", "table_name", "check_type", "status",
		"execution_time_ms", "error_message", "test_data_used", "is_critical"})
}

func expectInventoryProbe(mock pgxmock.PgxPoolIface, available float64) {
	expectExecs(mock, `DELETE FROM inventory`, `INSERT INTO inventory`)
	mock.ExpectQuery(`FROM inventory WHERE`).
		WillReturnRows(pgxmock.NewRows([]string{"computed", "available"}).AddRow(true, available))
	expectExecs(mock, `DELETE FROM inventory`)
}

func TestMonitorRun_Healthy(t *testing.T) {
	mock := newMockPool(t)
	mock.ExpectQuery(`FROM pg_trigger`).WithArgs("trg_inv", "inventory").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	expectInventoryProbe(mock, 95)
	mock.ExpectCopyFrom(pgx.Identifier{"trigger_health_log"}, healthLogColumns).WillReturnResult(2)
	mock.ExpectQuery(`FILTER`).WithArgs(checkNow.Add(-7 * 24 * time.Hour)).
		WillReturnRows(statsRows().AddRow("trg_inv", 20, 20, 3.5, 1, 9))
	mock.ExpectQuery(`WHERE is_critical AND status = 'failure'`).WithArgs(checkNow.Add(-24 * time.Hour)).
		WillReturnRows(failureRows())

	rep, err := newTestMonitor(mock, inventoryRegistry(true)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OverallHealthy, rep.Overall)
	assert.Equal(t, StatusSuccess, rep.Existence["trg_inv"].Status)
	assert.Equal(t, StatusSuccess, rep.Functionality["trg_inv"].Status)
	assert.Equal(t, CheckFunctionality, rep.Functionality["trg_inv"].Type)
	assert.True(t, rep.Functionality["trg_inv"].Critical)
	require.Len(t, rep.Stats, 1)
	assert.Equal(t, 1.0, rep.Stats[0].SuccessRate)
	assert.Empty(t, rep.Alerts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMonitorRun_MissingTriggerIsCritical(t *testing.T) {
	mock := newMockPool(t)
	mock.ExpectQuery(`FROM pg_trigger`).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectCopyFrom(pgx.Identifier{"trigger_health_log"}, healthLogColumns).WillReturnResult(2)
	mock.ExpectQuery(`FILTER`).WillReturnRows(statsRows().AddRow("trg_inv", 1, 0, 0.0, 0, 0))
	mock.ExpectQuery(`WHERE is_critical`).
		WillReturnRows(failureRows().AddRow(checkNow, "trg_inv", "inventory", "existence", "failure", int32(2), "trigger trg_inv not found on inventory", "", true))

	rep, err := newTestMonitor(mock, inventoryRegistry(true)).Run(context.Background())
	require.NoError(t, err, "a failing trigger is reported, not returned")
	assert.Equal(t, OverallCritical, rep.Overall)
	assert.Equal(t, StatusFailure, rep.Existence["trg_inv"].Status)
	assert.Contains(t, rep.Functionality["trg_inv"].Error, "not found")
	require.Len(t, rep.Failed(), 1)
	require.Len(t, rep.Alerts, 1)
	assert.Equal(t, 2*time.Millisecond, rep.Alerts[0].Duration)
	assert.Equal(t, CheckExistence, rep.Alerts[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMonitorRun_ExistenceQueryErrorIsAFailure(t *testing.T) {
	mock := newMockPool(t)
	mock.ExpectQuery(`FROM pg_trigger`).WillReturnError(errors.New("permission denied for pg_trigger"))
	mock.ExpectCopyFrom(pgx.Identifier{"trigger_health_log"}, healthLogColumns).WillReturnResult(2)
	mock.ExpectQuery(`FILTER`).WillReturnRows(statsRows())
	mock.ExpectQuery(`WHERE is_critical`).WillReturnRows(failureRows())

	rep, err := newTestMonitor(mock, inventoryRegistry(false)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OverallCritical, rep.Overall)
	assert.Contains(t, rep.Existence["trg_inv"].Error, "permission denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMonitorRun_HealthLogErrorFailsRun(t *testing.T) {
	mock := newMockPool(t)
	mock.ExpectQuery(`FROM pg_trigger`).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	expectInventoryProbe(mock, 95)
	mock.ExpectCopyFrom(pgx.Identifier{"trigger_health_log"}, healthLogColumns).
		WillReturnError(errors.New("relation does not exist"))

	_, err := newTestMonitor(mock, inventoryRegistry(true)).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "healthmon: record checks")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssess(t *testing.T) {
	pass := CheckResult{Status: StatusSuccess}
	tests := []struct {
		name string
		rep  Report
		want Overall
	}{
		{
			"all passing",
			Report{Existence: map[string]CheckResult{"a": pass}, Functionality: map[string]CheckResult{"a": pass}},
			OverallHealthy,
		},
		{
			"current probe failure",
			Report{Existence: map[string]CheckResult{"a": pass}, Functionality: map[string]CheckResult{"a": {Status: StatusFailure}}},
			OverallCritical,
		},
		{
			"inert trigger",
			Report{Existence: map[string]CheckResult{"a": pass}, Functionality: map[string]CheckResult{"a": {Status: StatusInert}}},
			OverallWarning,
		},
		{
			"low success rate",
			Report{
				Existence:     map[string]CheckResult{"a": pass},
				Functionality: map[string]CheckResult{"a": pass},
				Stats:         []TriggerStats{{Trigger: "a", Checks: 20, Passed: 18, SuccessRate: 0.9}},
			},
			OverallWarning,
		},
		{
			"historical alert",
			Report{
				Existence:     map[string]CheckResult{"a": pass},
				Functionality: map[string]CheckResult{"a": pass},
				Alerts:        []CheckResult{{Trigger: "a", Status: StatusFailure}},
			},
			OverallWarning,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Assess(&tt.rep, 0.95))
		})
	}
}

func TestReportFailedAndInertAreSorted(t *testing.T) {
	rep := Report{Functionality: map[string]CheckResult{
		"b": {Trigger: "b", Status: StatusFailure},
		"a": {Trigger: "a", Status: StatusFailure},
		"c": {Trigger: "c", Status: StatusInert},
		"d": {Trigger: "d", Status: StatusSuccess},
	}}
	failed := rep.Failed()
	require.Len(t, failed, 2)
	assert.Equal(t, "a", failed[0].Trigger)
	assert.Equal(t, "b", failed[1].Trigger)
	require.Len(t, rep.Inert(), 1)
}

func TestDefaultRegistry(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)
	assert.Len(t, reg.Triggers, 5)
	assert.Len(t, reg.Critical(), 3)
	kinds := map[ProbeKind]bool{}
	for _, tr := range reg.Triggers {
		kinds[tr.Probe] = true
	}
	assert.Len(t, kinds, 5)
}

func TestParseRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "health:\n  triggers: []\n", "no triggers"},
		{"missing table", "health:\n  triggers:\n    - name: a\n      probe: inventory\n", "needs name and table"},
		{"unknown probe", "health:\n  triggers:\n    - name: a\n      table: t\n      probe: magic\n", "unknown probe"},
		{"duplicate", "health:\n  triggers:\n    - {name: a, table: t, probe: inventory}\n    - {name: a, table: t, probe: inventory}\n", "duplicate"},
		{"delivery without status", "health:\n  triggers:\n    - {name: a, table: t, probe: delivery_order}\n", "expected_status"},
		{"bad yaml", "health: [", "parse registry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadRegistry_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triggers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("health:\n  triggers:\n    - {name: a, table: t, probe: inventory, critical: true}\n"), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	require.Len(t, reg.Triggers, 1)
	assert.True(t, reg.Triggers[0].Critical)

	_, err = LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
