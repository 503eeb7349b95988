// Package monitor records performance metrics into a separate write-only
// SQLite database. The pipeline never reads it; it exists for offline
// inspection of timings and event volumes.
package monitor

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/substratehq/substrate/internal/bus"
)

// Sample is one recorded measurement. Value carries the measurement when the
// sample is more than a counter (e.g. a duration in milliseconds).
type Sample struct {
	ID    uint    `gorm:"primaryKey;autoIncrement"`
	RunID string  `gorm:"index"`
	Event string  `gorm:"index"`
	Name  string
	Value float64

	CreatedAt time.Time
}

// Monitor owns the metrics database handle. Safe for concurrent use.
type Monitor struct {
	db *gorm.DB
}

// Open creates or opens the metrics database at path.
func Open(path string) (*Monitor, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: opening %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Sample{}); err != nil {
		return nil, fmt.Errorf("monitor: migrating: %w", err)
	}
	return &Monitor{db: db}, nil
}

// Close releases the underlying database handle.
func (m *Monitor) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record appends one sample. Failures are returned but callers generally
// drop them: metrics must never fail the pipeline.
func (m *Monitor) Record(ctx context.Context, s Sample) error {
	if err := m.db.WithContext(ctx).Create(&s).Error; err != nil {
		return fmt.Errorf("monitor: recording sample: %w", err)
	}
	return nil
}

// Attach subscribes the monitor to every event on b: each event becomes a
// counter sample, and dispatch:done additionally records its duration in
// milliseconds. Returns the subscription so the caller can detach.
func (m *Monitor) Attach(b *bus.Bus) bus.Subscription {
	return b.OnAll(func(ev bus.Event) {
		s := Sample{Event: ev.Name, Name: "count", Value: 1}
		if p, ok := ev.Payload.(bus.DispatchPayload); ok {
			s.RunID = p.RunID
			if ev.Name == bus.EventDispatchDone {
				s.Name = "duration_ms"
				s.Value = float64(p.DurationMS)
			}
		}
		// Write-only by contract: errors are dropped.
		_ = m.Record(context.Background(), s)
	})
}
