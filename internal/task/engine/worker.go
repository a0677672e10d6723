package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"envwatch/internal/eventbus"
	"envwatch/internal/storage"
	logx "envwatch/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	log := s.log.With(logx.Int("worker", idx))
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		cfg := s.config()
		job, ok, err := s.queue.Dequeue(ctx, cfg.leaseTTL())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.shouldWarn(&s.lastDequeueWarnAt, time.Now()) {
				log.Warn("dequeue failed", logx.Err(err))
			}
		}
		if err != nil || !ok {
			t := time.NewTimer(cfg.PollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-stopCh:
				t.Stop()
				return
			case <-s.wakeCh:
				t.Stop()
			case <-t.C:
			}
			continue
		}

		atomic.AddInt32(&s.inFlight, 1)
		// The run outlives shutdown; only its budget bounds it.
		s.execOne(context.WithoutCancel(ctx), cfg, job, log)
		atomic.AddInt32(&s.inFlight, -1)
	}
}

func (s *Service) execOne(ctx context.Context, cfg Config, job storage.Job, log logx.Logger) {
	start := time.Now()
	queueDelay := time.Duration(0)
	if !job.RunAt.IsZero() {
		queueDelay = start.Sub(job.RunAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}
	log = log.With(logx.String("job_type", job.JobType.String()), logx.String("job_id", job.ID))
	ev := eventbus.JobEvent{JobID: job.ID, JobType: job.JobType.String(), ScheduleID: job.ScheduleID}

	var err error
	st := s.stateFor(job.JobType)
	if !st.tryAcquire() {
		err = ErrOverlap
		log.Error("dequeued job overlaps a running one")
	} else {
		defer st.release()
		log.Debug("job.started", logx.Duration("queue_delay", queueDelay))
		eventbus.Publish(s.bus, eventbus.JobStarted, ev)
		err = s.run(ctx, cfg, job)
	}

	dur := time.Since(start)
	ev.Took = dur
	item := HistoryItem{ID: job.ID, JobType: job.JobType, ScheduleID: job.ScheduleID, Started: start, QueueDelay: queueDelay, Duration: dur}

	ackCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		atomic.AddUint64(&s.failed, 1)
		n := s.streaks.record(job.JobType, err, start)
		log.Warn("job.failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("consecutive_failures", n))
		eventbus.Publish(s.bus, eventbus.JobFailed, ev)
		if aerr := s.queue.Fail(ackCtx, job.ID, job.LeaseToken, item.Error); aerr != nil {
			log.Warn("fail ack rejected", logx.Err(aerr))
		}
	} else {
		atomic.AddUint64(&s.completed, 1)
		s.streaks.record(job.JobType, nil, start)
		if dur >= 750*time.Millisecond {
			log.Info("job.completed", logx.Duration("dur", dur))
		} else {
			log.Debug("job.completed", logx.Duration("dur", dur))
		}
		eventbus.Publish(s.bus, eventbus.JobCompleted, ev)
		if aerr := s.queue.Complete(ackCtx, job.ID, job.LeaseToken); aerr != nil {
			log.Warn("complete ack rejected", logx.Err(aerr))
		}
	}
	s.recordHistory(item, cfg.HistorySize)
}

// run dispatches under the job type's budget. A panic becomes the job's
// error so one bad evaluator cannot kill a worker.
func (s *Service) run(ctx context.Context, cfg Config, job storage.Job) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, cfg.budget(job.JobType))
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job.panic",
				logx.String("job_type", job.JobType.String()),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	if s.dispatch == nil {
		return fmt.Errorf("no dispatcher for %s", job.JobType)
	}
	return s.dispatch.Dispatch(runCtx, job)
}
