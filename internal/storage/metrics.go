package storage

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kagami/internal/telemetry"
)

// RegisterPoolMetrics registers OTEL gauges over the connection pool.
// Call after telemetry.Init so the gauges land on the real meter provider.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("kagami/storage")

	acquired, err1 := meter.Int64ObservableGauge("kagami.db.pool.acquired",
		metric.WithDescription("Connections currently acquired from the pool"))
	idle, err2 := meter.Int64ObservableGauge("kagami.db.pool.idle",
		metric.WithDescription("Idle connections in the pool"))
	total, err3 := meter.Int64ObservableGauge("kagami.db.pool.total",
		metric.WithDescription("Total connections in the pool"))
	if err1 != nil || err2 != nil || err3 != nil {
		db.logger.Warn("storage: pool metrics registration failed")
		return
	}

	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := db.pool.Stat()
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		o.ObserveInt64(total, int64(stat.TotalConns()))
		return nil
	}, acquired, idle, total)
	if err != nil {
		db.logger.Warn("storage: pool metrics callback registration failed", "error", err)
	}
}
