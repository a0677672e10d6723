package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/eventbus"
	"envwatch/internal/storage"
	logx "envwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openQueue(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func startEngine(t *testing.T, cfg Config, q Queue, d Dispatcher, bus eventbus.Bus) *Service {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	s := New(cfg, q, d, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func queueEmpty(t *testing.T, q storage.Store) func() bool {
	return func() bool {
		jobs, err := q.List(context.Background())
		require.NoError(t, err)
		return len(jobs) == 0
	}
}

func TestEngineNeverOverlapsSameJobType(t *testing.T) {
	t.Parallel()
	q := openQueue(t)

	var (
		cur, peak atomic.Int32
		runs      atomic.Int32
	)
	d := DispatchFunc(func(ctx context.Context, job storage.Job) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		cur.Add(-1)
		runs.Add(1)
		return nil
	})
	s := startEngine(t, Config{Workers: 4}, q, d, nil)

	ctx := context.Background()
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, err := q.Enqueue(ctx, storage.EnqueueRequest{JobType: alert.JobWeather, ScheduleID: "sch-w"})
		if err != nil {
			require.ErrorIs(t, err, storage.ErrCoalesced)
		}
		s.Wake()
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, queueEmpty(t, q), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), peak.Load())
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}

func TestEngineRunsDifferentTypesConcurrently(t *testing.T) {
	t.Parallel()
	q := openQueue(t)

	var wg sync.WaitGroup
	wg.Add(2)
	both := make(chan struct{})
	go func() { wg.Wait(); close(both) }()

	d := DispatchFunc(func(ctx context.Context, job storage.Job) error {
		wg.Done()
		select {
		case <-both:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	s := startEngine(t, Config{Workers: 2, DefaultTimeout: 2 * time.Second}, q, d, nil)

	ctx := context.Background()
	_, err := q.Enqueue(ctx, storage.EnqueueRequest{JobType: alert.JobWeather})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, storage.EnqueueRequest{JobType: alert.JobAQI})
	require.NoError(t, err)
	s.Wake()

	require.Eventually(t, queueEmpty(t, q), 3*time.Second, 10*time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Completed)
	assert.Zero(t, snap.Failed)
}

func TestEngineFailureIsAckedWithoutRetry(t *testing.T) {
	t.Parallel()
	q := openQueue(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	var calls atomic.Int32
	d := DispatchFunc(func(ctx context.Context, job storage.Job) error {
		calls.Add(1)
		return errors.New("classifier unavailable")
	})
	s := startEngine(t, Config{Workers: 1}, q, d, bus)

	_, err := q.Enqueue(context.Background(), storage.EnqueueRequest{JobType: alert.JobAQI})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Snapshot().Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, queueEmpty(t, q), time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, s.ConsecutiveFailures(alert.JobAQI))

	var failed *eventbus.JobEvent
	for failed == nil {
		select {
		case e := <-events:
			if e.Type == eventbus.JobFailed {
				ev := e.Data.(eventbus.JobEvent)
				failed = &ev
			}
		case <-time.After(time.Second):
			t.Fatal("no job.failed event")
		}
	}
	assert.Equal(t, "AQIIndex", failed.JobType)
	assert.Equal(t, "classifier unavailable", failed.Error)

	hist := s.Snapshot().History
	require.Len(t, hist, 1)
	assert.Equal(t, "classifier unavailable", hist[0].Error)
}

func TestEngineSurvivesPanicAndResetsStreak(t *testing.T) {
	t.Parallel()
	q := openQueue(t)

	var calls atomic.Int32
	d := DispatchFunc(func(ctx context.Context, job storage.Job) error {
		if calls.Add(1) == 1 {
			panic("evaluator bug")
		}
		return nil
	})
	s := startEngine(t, Config{Workers: 1}, q, d, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, storage.EnqueueRequest{JobType: alert.JobWeather})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ConsecutiveFailures(alert.JobWeather) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = q.Enqueue(ctx, storage.EnqueueRequest{JobType: alert.JobWeather})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Snapshot().Completed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, s.ConsecutiveFailures(alert.JobWeather))
}

func TestEngineEnforcesBudget(t *testing.T) {
	t.Parallel()
	q := openQueue(t)

	d := DispatchFunc(func(ctx context.Context, job storage.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s := startEngine(t, Config{
		Workers:        1,
		DefaultTimeout: time.Minute,
		Timeouts:       map[alert.JobType]time.Duration{alert.JobWeather: 50 * time.Millisecond},
	}, q, d, nil)

	_, err := q.Enqueue(context.Background(), storage.EnqueueRequest{JobType: alert.JobWeather})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Snapshot().Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, s.Snapshot().History[0].Error, context.DeadlineExceeded.Error())
}

func TestEngineStopLetsInFlightFinish(t *testing.T) {
	t.Parallel()
	q := openQueue(t)

	started := make(chan struct{})
	release := make(chan struct{})
	d := DispatchFunc(func(ctx context.Context, job storage.Job) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	s := New(Config{Workers: 1, PollInterval: 10 * time.Millisecond}, q, d, logx.Nop(), nil)
	s.Start(context.Background())

	_, err := q.Enqueue(context.Background(), storage.EnqueueRequest{JobType: alert.JobAQI})
	require.NoError(t, err)
	<-started

	stopped := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	<-stopped

	assert.Equal(t, uint64(1), s.Snapshot().Completed)
	jobs, err := q.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// No new dequeues after stop.
	_, err = q.Enqueue(context.Background(), storage.EnqueueRequest{JobType: alert.JobAQI})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	jobs, err = q.List(context.Background(), storage.StateWaiting)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	q := openQueue(t)
	ran := make(chan alert.JobType, 1)
	d := DispatchFunc(func(ctx context.Context, job storage.Job) error {
		ran <- job.JobType
		return nil
	})
	s := New(Config{Workers: 1, PollInterval: time.Hour}, q, d, logx.Nop(), nil)

	_, err := s.Submit(context.Background(), alert.JobAQI, 0)
	require.ErrorIs(t, err, ErrStopped)

	s.Start(context.Background())
	defer s.Stop(context.Background())

	job, err := s.Submit(context.Background(), alert.JobAQI, 0)
	require.NoError(t, err)
	assert.False(t, job.Recurring())
	select {
	case got := <-ran:
		assert.Equal(t, alert.JobAQI, got)
	case <-time.After(2 * time.Second):
		t.Fatal("submitted job did not run")
	}

	delayed, err := s.Submit(context.Background(), alert.JobWeather, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, storage.StateDelayed, delayed.State)
}

type reapQueue struct {
	Queue
	jobs []storage.Job
}

func (r *reapQueue) ReapExpired(ctx context.Context) ([]storage.Job, error) {
	out := r.jobs
	r.jobs = nil
	return out, nil
}

func TestReapOnceRecordsFailure(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	q := &reapQueue{jobs: []storage.Job{{ID: "j1", JobType: alert.JobWeather}}}
	s := New(Config{}, q, nil, logx.Nop(), bus)
	s.reapOnce(context.Background())

	assert.Equal(t, uint64(1), s.Snapshot().Reaped)
	assert.Equal(t, 1, s.ConsecutiveFailures(alert.JobWeather))
	select {
	case e := <-events:
		assert.Equal(t, eventbus.JobReaped, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no job.reaped event")
	}
}

func TestMaxBudgetCoversLongestJobTimeout(t *testing.T) {
	t.Parallel()
	s := New(Config{
		DefaultTimeout: 10 * time.Second,
		Timeouts:       map[alert.JobType]time.Duration{alert.JobAQI: 2 * time.Minute},
	}, nil, nil, logx.Nop(), nil)
	assert.Equal(t, 2*time.Minute, s.MaxBudget())
	assert.Equal(t, 2*time.Minute+leaseGrace, s.config().leaseTTL())

	s.Apply(Config{})
	assert.Equal(t, defaultTimeout, s.MaxBudget())
}
