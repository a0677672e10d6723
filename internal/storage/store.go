package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"envwatch/internal/alert"
	logx "envwatch/pkg/logx"
)

// ScheduleStore is the recurring-job registry. Uniqueness per job type is
// not enforced here; the startup reconciler owns that invariant.
type ScheduleStore interface {
	DefineSchedule(ctx context.Context, jobType alert.JobType, cronExpr string) (ScheduleDefinition, error)
	ListSchedules(ctx context.Context) ([]ScheduleDefinition, error)
	// RemoveSchedule drops the registration and any pending job tied to it.
	RemoveSchedule(ctx context.Context, id string) error

	// Watermarks record the last fire time per job type so missed ticks can
	// be caught up after a restart. They survive schedule removal.
	GetWatermark(ctx context.Context, jobType alert.JobType) (time.Time, bool, error)
	SetWatermark(ctx context.Context, jobType alert.JobType, at time.Time) error
}

// JobQueue is the durable work queue. At most one job per type is waiting
// and at most one is active; Dequeue never hands out a job whose type is
// already active.
type JobQueue interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (Job, error)
	Dequeue(ctx context.Context, leaseTTL time.Duration) (Job, bool, error)
	Complete(ctx context.Context, id, leaseToken string) error
	Fail(ctx context.Context, id, leaseToken, reason string) error
	List(ctx context.Context, states ...JobState) ([]Job, error)
	// Remove deletes a pending job. An active job is not pending and yields
	// ErrNotFound.
	Remove(ctx context.Context, id string) error
	// ReapExpired fails and removes active jobs whose lease has expired.
	ReapExpired(ctx context.Context) ([]Job, error)
}

// SnapshotCache keeps the previous evaluation window per topic.
type SnapshotCache interface {
	GetSnapshot(ctx context.Context, topic string) (alert.Signal, bool, error)
	PutSnapshot(ctx context.Context, s alert.Signal) error
}

// Store is the full pipeline state backend.
type Store interface {
	ScheduleStore
	JobQueue
	SnapshotCache
	alert.Store
	Close() error
}

// ReadingStore persists raw sensor readings.
type ReadingStore interface {
	InsertWeather(ctx context.Context, r WeatherReading) error
	InsertPM25(ctx context.Context, r PM25Reading) error
	// AvgPM25Since returns the mean of readings strictly after since and the
	// sample count; avg is 0 when n is 0.
	AvgPM25Since(ctx context.Context, since time.Time) (avg float64, n int, err error)
	Close() error
}

// Open initializes the configured pipeline store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg.Redis, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// OpenReadings initializes the readings store.
// It returns (nil, nil) if readings storage is disabled.
func OpenReadings(ctx context.Context, cfg ReadingsConfig, log logx.Logger) (ReadingStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "sqlite", "sqlite3":
		return openSQLiteReadings(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgresReadings(ctx, cfg, log)
	default:
		return nil, errors.New("unknown readings driver: " + driver)
	}
}
