package engine

import (
	"sync"
	"time"

	"envwatch/internal/alert"
)

// streakState tracks consecutive failed runs of one job type. A successful
// run resets it. The published alert is left untouched by failures, so the
// streak is how operators see an evaluation gap.
type streakState struct {
	fails       int
	lastFailure time.Time
	lastErr     string
}

type streakStore struct {
	mu sync.Mutex
	m  map[alert.JobType]*streakState
}

func (s *streakStore) record(t alert.JobType, err error, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[alert.JobType]*streakState)
	}
	st := s.m[t]
	if st == nil {
		st = &streakState{}
		s.m[t] = st
	}
	if err == nil {
		st.fails = 0
		st.lastErr = ""
		return 0
	}
	st.fails++
	st.lastFailure = at
	st.lastErr = err.Error()
	return st.fails
}

func (s *streakStore) count(t alert.JobType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.m[t]; st != nil {
		return st.fails
	}
	return 0
}

func (s *streakStore) snapshot() map[alert.JobType]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[alert.JobType]int, len(s.m))
	for t, st := range s.m {
		out[t] = st.fails
	}
	return out
}
