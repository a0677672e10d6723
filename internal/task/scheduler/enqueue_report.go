package scheduler

import (
	"errors"
	"time"

	"envwatch/internal/storage"
	logx "envwatch/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(jobType string, err error) {
	if err == nil {
		return
	}
	// A firing absorbed by a pending job is normal while a run is slow.
	if errors.Is(err, storage.ErrCoalesced) {
		s.log.Debug("schedule firing coalesced", logx.String("job_type", jobType))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[jobType]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[jobType] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue job", logx.String("job_type", jobType), logx.Err(err))
}
