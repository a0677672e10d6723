package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	snap := Snapshot{
		Running:   s.c != nil,
		Timezone:  loc.String(),
		Schedules: make([]ScheduleInfo, 0, len(s.defs)),
	}
	for _, d := range s.defs {
		it := ScheduleInfo{ID: d.def.ID, JobType: d.def.JobType, Cron: d.def.Cron}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		if it.Next.IsZero() {
			it.Next = d.sched.Next(time.Now().In(loc))
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap
}
