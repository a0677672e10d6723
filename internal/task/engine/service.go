package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/eventbus"
	"envwatch/internal/storage"
	logx "envwatch/pkg/logx"

	rtsup "envwatch/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

// Service drains the durable job queue with a fixed worker pool.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	queue    Queue
	dispatch Dispatcher

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	wakeCh   chan struct{}

	stateMu sync.Mutex
	states  map[alert.JobType]*RunState

	streaks streakStore

	hmu     sync.Mutex
	history []HistoryItem

	inFlight  int32
	completed uint64
	failed    uint64
	reaped    uint64

	lastDequeueWarnAt int64
}

func New(cfg Config, queue Queue, dispatch Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		queue:    queue,
		dispatch: dispatch,
		wakeCh:   make(chan struct{}, 1),
		states:   make(map[alert.JobType]*RunState),
	}
}

// Apply swaps budgets and polling settings. Worker count changes take effect
// on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// MaxBudget returns the longest evaluation budget in the current config.
// Stop needs at least this long to let in-flight runs finish.
func (s *Service) MaxBudget() time.Duration { return s.config().maxBudget() }

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Supervisor returns the engine's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "supervisor"))),
		// a failing worker must not take the process down
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	sup.GoRestart("reaper", func(c context.Context) error {
		s.reaper(c, stopCh)
		return c.Err()
	})

	s.log.Info("job engine started",
		logx.Int("workers", cfg.Workers),
		logx.Duration("poll", cfg.PollInterval),
		logx.Duration("lease", cfg.leaseTTL()))
}

// Stop halts dequeuing and waits for in-flight evaluations, which keep
// running under their own budget, until they finish or ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("job engine stopped")
	case <-ctx.Done():
		s.log.Warn("job engine stop timed out", logx.Int("in_flight", int(atomic.LoadInt32(&s.inFlight))), logx.Err(ctx.Err()))
	}
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil && s.stopDone == nil
}

// Wake nudges one idle worker to dequeue now. It never blocks.
func (s *Service) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Submit enqueues an ad-hoc job. A positive delay makes it delayed.
func (s *Service) Submit(ctx context.Context, jobType alert.JobType, delay time.Duration) (storage.Job, error) {
	if !s.running() {
		return storage.Job{}, ErrStopped
	}
	req := storage.EnqueueRequest{JobType: jobType}
	if delay > 0 {
		req.RunAt = time.Now().Add(delay)
	}
	job, err := s.queue.Enqueue(ctx, req)
	if errors.Is(err, storage.ErrCoalesced) {
		eventbus.Publish(s.bus, eventbus.JobCoalesced, eventbus.JobEvent{JobID: job.ID, JobType: jobType.String(), Reason: "submit"})
		return job, err
	}
	if err != nil {
		return storage.Job{}, err
	}
	s.log.Info("ad-hoc job submitted", logx.String("job_type", jobType.String()), logx.String("job_id", job.ID), logx.Duration("delay", delay))
	eventbus.Publish(s.bus, eventbus.JobEnqueued, eventbus.JobEvent{JobID: job.ID, JobType: jobType.String(), Reason: "submit"})
	s.Wake()
	return job, nil
}

// ConsecutiveFailures reports the current failure streak of a job type.
func (s *Service) ConsecutiveFailures(jobType alert.JobType) int {
	return s.streaks.count(jobType)
}

func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:   s.running(),
		Workers:   cfg.Workers,
		InFlight:  int(atomic.LoadInt32(&s.inFlight)),
		Completed: atomic.LoadUint64(&s.completed),
		Failed:    atomic.LoadUint64(&s.failed),
		Reaped:    atomic.LoadUint64(&s.reaped),
		Streaks:   s.streaks.snapshot(),
		History:   h,
	}
}

func (s *Service) stateFor(t alert.JobType) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[t]
	if st == nil {
		st = &RunState{}
		s.states[t] = st
	}
	return st
}

func (s *Service) recordHistory(item HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}
