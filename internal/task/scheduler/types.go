package scheduler

import (
	"context"
	"sync"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/eventbus"
	"envwatch/internal/storage"
	logx "envwatch/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means local
	// CatchupWindow bounds how old a watermark may be for a missed tick to
	// be replayed at start. Zero disables catch-up.
	CatchupWindow time.Duration
}

// Store is the storage surface the scheduler needs.
type Store interface {
	ListSchedules(ctx context.Context) ([]storage.ScheduleDefinition, error)
	GetWatermark(ctx context.Context, jobType alert.JobType) (time.Time, bool, error)
	SetWatermark(ctx context.Context, jobType alert.JobType, at time.Time) error
	Enqueue(ctx context.Context, req storage.EnqueueRequest) (storage.Job, error)
}

type scheduleDef struct {
	def     storage.ScheduleDefinition
	sched   cron.Schedule
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex
	// gate is held shared by cron ticks and exclusively by ReloadWith.
	gate sync.RWMutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	bus   eventbus.Bus
	store Store

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// base context for enqueue calls made from cron callbacks
	baseCtx context.Context
	wake    func()
	now     func() time.Time

	// Enqueue error throttling: key is job type.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type Option func(*Service)

// WithWake registers a hook called after every successful enqueue (used to
// wake idle workers in-process).
func WithWake(fn func()) Option { return func(s *Service) { s.wake = fn } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

type ScheduleInfo struct {
	ID      string        `json:"id"`
	JobType alert.JobType `json:"job_type"`
	Cron    string        `json:"cron"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
