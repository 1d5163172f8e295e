package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/db"
	"github.com/sells-group/purchase-forecast/internal/metrics"
	"github.com/sells-group/purchase-forecast/internal/store"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func businessLocation() (*time.Location, error) {
	return clock.LoadLocation(cfg.Timezone)
}

func poolConfig() db.PoolConfig {
	return db.PoolConfig{MaxConns: cfg.Store.MaxConns, MinConns: cfg.Store.MinConns}
}

func openPostgres(ctx context.Context) (*store.PostgresStore, error) {
	return store.NewPostgres(ctx, cfg.Store.DatabaseURL, poolConfig())
}

// openReader returns the configured training source.
func openReader(ctx context.Context) (store.TransactionReader, func() error, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		src, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	case "postgres":
		pg, err := openPostgres(ctx)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// finishJob records the outcome on m, pushes it, and returns err unchanged. A failed
// push is logged and never fails the job.
func finishJob(ctx context.Context, m *metrics.JobMetrics, start time.Time, err error) error {
	m.Finish(start, time.Now(), err == nil)
	if perr := m.Push(context.WithoutCancel(ctx), cfg.Metrics.PushgatewayURL); perr != nil {
		zap.L().Warn("metrics push failed", zap.String("job", m.Job()), zap.Error(perr))
	}
	if err != nil {
		zap.L().Error("job failed", zap.String("job", m.Job()), zap.Error(err))
	}
	return err
}

func parseDateFlag(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return clock.Today(clock.System{}, loc), nil
	}
	return clock.ParseDate(s)
}
