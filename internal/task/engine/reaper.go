package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"envwatch/internal/eventbus"
	logx "envwatch/pkg/logx"
)

// reaper periodically fails jobs whose lease expired, which happens only
// when the process running them died. Their job type is unblocked.
func (s *Service) reaper(ctx context.Context, stopCh <-chan struct{}) {
	t := time.NewTicker(s.config().ReapEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.C:
			s.reapOnce(ctx)
		}
	}
}

func (s *Service) reapOnce(ctx context.Context) {
	jobs, err := s.queue.ReapExpired(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("reap expired leases failed", logx.Err(err))
		}
		return
	}
	now := time.Now()
	for _, j := range jobs {
		atomic.AddUint64(&s.reaped, 1)
		n := s.streaks.record(j.JobType, errLeaseExpired, now)
		s.log.Warn("job lease expired",
			logx.String("job_type", j.JobType.String()),
			logx.String("job_id", j.ID),
			logx.Time("lease_until", j.LeaseUntil),
			logx.Int("consecutive_failures", n))
		eventbus.Publish(s.bus, eventbus.JobReaped, eventbus.JobEvent{JobID: j.ID, JobType: j.JobType.String(), ScheduleID: j.ScheduleID, Error: errLeaseExpired.Error()})
	}
	if len(jobs) > 0 {
		s.Wake()
	}
}

var errLeaseExpired = errors.New("lease expired")
