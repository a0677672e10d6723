package scheduler

import (
	"context"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/storage"
	logx "envwatch/pkg/logx"

	"github.com/robfig/cron/v3"
)

type dueFiring struct {
	def storage.ScheduleDefinition
	at  time.Time
}

// dueCatchupsLocked returns at most one firing per job type whose schedules
// had a tick between the stored watermark and now. The firing carries the
// latest missed tick, so the watermark it leaves behind covers the whole
// outage. A job type with no watermark gets one set to now so the next
// restart has a baseline.
func (s *Service) dueCatchupsLocked(ctx context.Context) []dueFiring {
	if s.cfg.CatchupWindow <= 0 {
		return nil
	}
	now := s.now()
	marks := map[alert.JobType]*time.Time{}
	due := map[alert.JobType]*dueFiring{}
	var order []alert.JobType
	for _, d := range s.defs {
		jt := d.def.JobType
		wm, seen := marks[jt]
		if !seen {
			wm = s.watermarkLocked(ctx, jt, now)
			marks[jt] = wm
		}
		if wm == nil {
			continue
		}
		last := lastTickBefore(d.sched, wm.In(s.loc), now)
		if last.IsZero() {
			continue
		}
		if f, ok := due[jt]; ok {
			if last.After(f.at) {
				*f = dueFiring{def: d.def, at: last}
			}
			continue
		}
		due[jt] = &dueFiring{def: d.def, at: last}
		order = append(order, jt)
	}
	out := make([]dueFiring, 0, len(order))
	for _, jt := range order {
		out = append(out, *due[jt])
	}
	return out
}

// watermarkLocked returns the watermark catch-up should start from, or nil
// when the job type has none or it lies outside the catch-up window.
func (s *Service) watermarkLocked(ctx context.Context, jt alert.JobType, now time.Time) *time.Time {
	wm, ok, err := s.store.GetWatermark(ctx, jt)
	if err != nil {
		s.log.Warn("read watermark failed", logx.String("job_type", jt.String()), logx.Err(err))
		return nil
	}
	if !ok {
		if err := s.store.SetWatermark(ctx, jt, now); err != nil {
			s.log.Warn("seed watermark failed", logx.String("job_type", jt.String()), logx.Err(err))
		}
		return nil
	}
	if now.Sub(wm) > s.cfg.CatchupWindow {
		s.log.Info("watermark outside catch-up window",
			logx.String("job_type", jt.String()),
			logx.Time("watermark", wm),
			logx.Duration("window", s.cfg.CatchupWindow))
		return nil
	}
	return &wm
}

// lastTickBefore walks sched forward from after and returns the latest
// tick not later than now. Zero means no tick fell in (after, now].
func lastTickBefore(sched cron.Schedule, after, now time.Time) time.Time {
	var last time.Time
	for t := after; ; {
		next := sched.Next(t)
		if next.IsZero() || next.After(now) {
			return last
		}
		last, t = next, next
	}
}
