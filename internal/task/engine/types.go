package engine

import (
	"context"
	"sync"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/storage"
)

// Config controls the job engine.
type Config struct {
	Workers int
	// PollInterval is the idle wait between empty dequeues. Enqueue
	// notifications (Wake) cut it short.
	PollInterval time.Duration
	// DefaultTimeout is the evaluation budget when Timeouts has no entry
	// for the job type.
	DefaultTimeout time.Duration
	Timeouts       map[alert.JobType]time.Duration
	// ReapEvery is how often expired leases are collected.
	ReapEvery   time.Duration
	HistorySize int
}

const (
	defaultWorkers      = 2
	defaultPollInterval = 500 * time.Millisecond
	defaultTimeout      = 30 * time.Second
	defaultReapEvery    = 30 * time.Second
	defaultHistorySize  = 200

	// leaseGrace is added to the largest budget so a lease never expires
	// under a run that is still inside its budget.
	leaseGrace = 30 * time.Second
	ackTimeout = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.ReapEvery <= 0 {
		c.ReapEvery = defaultReapEvery
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

func (c Config) budget(t alert.JobType) time.Duration {
	if d, ok := c.Timeouts[t]; ok && d > 0 {
		return d
	}
	return c.DefaultTimeout
}

// maxBudget is the largest budget any job type can run under.
func (c Config) maxBudget() time.Duration {
	max := c.DefaultTimeout
	for _, d := range c.Timeouts {
		if d > max {
			max = d
		}
	}
	return max
}

func (c Config) leaseTTL() time.Duration { return c.maxBudget() + leaseGrace }

// Queue is the subset of storage.JobQueue the engine drives.
type Queue interface {
	Enqueue(ctx context.Context, req storage.EnqueueRequest) (storage.Job, error)
	Dequeue(ctx context.Context, leaseTTL time.Duration) (storage.Job, bool, error)
	Complete(ctx context.Context, id, leaseToken string) error
	Fail(ctx context.Context, id, leaseToken, reason string) error
	ReapExpired(ctx context.Context) ([]storage.Job, error)
}

// Dispatcher runs one job. The evaluator registry implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job storage.Job) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, job storage.Job) error

func (f DispatchFunc) Dispatch(ctx context.Context, job storage.Job) error { return f(ctx, job) }

// RunState tracks whether a job type is in flight in this process.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	JobType    alert.JobType `json:"job_type"`
	ScheduleID string        `json:"schedule_id,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool                  `json:"running"`
	Workers   int                   `json:"workers"`
	InFlight  int                   `json:"in_flight"`
	Completed uint64                `json:"completed"`
	Failed    uint64                `json:"failed"`
	Reaped    uint64                `json:"reaped"`
	Streaks   map[alert.JobType]int `json:"consecutive_failures"`
	History   []HistoryItem         `json:"history"`
}
