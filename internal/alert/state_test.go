package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	m      map[JobType]PublishedAlert
	writes int
	err    error
}

func (s *memStore) PutAlert(_ context.Context, a PublishedAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = map[JobType]PublishedAlert{}
	}
	s.writes++
	s.m[a.JobType] = a
	return nil
}

func (s *memStore) GetAlert(_ context.Context, t JobType) (PublishedAlert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return PublishedAlert{}, false, s.err
	}
	a, ok := s.m[t]
	return a, ok, nil
}

func TestStateDefaultReadDoesNotWrite(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	s := NewState(st)
	ctx := context.Background()

	v := s.View(ctx, JobAQI)
	assert.Equal(t, Green, v.Color)
	assert.Equal(t, "Air quality normal", v.Remark)
	assert.False(t, v.Evaluated)
	assert.Nil(t, v.PublishedAt)

	_, ok, err := s.Read(ctx, JobAQI)
	require.NoError(t, err)
	assert.False(t, ok, "default must not be stored")
	assert.Zero(t, st.writes)

	w := s.View(ctx, JobWeather)
	assert.Equal(t, "All systems operational", w.Remark)
}

func TestStatePublishOverwrites(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s := NewState(&memStore{}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := s.Publish(ctx, JobWeather, ClassificationResult{Color: Yellow, Remark: "warming"})
	require.NoError(t, err)
	a, err := s.Publish(ctx, JobWeather, ClassificationResult{Color: Red, Remark: "heat"})
	require.NoError(t, err)
	assert.Equal(t, now, a.PublishedAt)

	v := s.View(ctx, JobWeather)
	assert.True(t, v.Evaluated)
	assert.Equal(t, Red, v.Color)
	assert.Equal(t, "heat", v.Remark)
}

func TestStatePublishRejectsInvalid(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	s := NewState(st, WithRemarkLimit(5))
	ctx := context.Background()

	_, err := s.Publish(ctx, JobWeather, ClassificationResult{Color: "purple"})
	require.Error(t, err)
	_, err = s.Publish(ctx, JobWeather, ClassificationResult{Color: Green, Remark: "too long"})
	require.Error(t, err)
	assert.Zero(t, st.writes)
}

func TestStateViewFallsBackOnStoreError(t *testing.T) {
	t.Parallel()
	s := NewState(&memStore{err: errors.New("db down")}, WithDefault("Radon", ClassificationResult{Color: Green, Remark: "Radon normal"}))
	v := s.View(context.Background(), "Radon")
	assert.Equal(t, "Radon normal", v.Remark)
	assert.False(t, v.Evaluated)
}

func TestParseColor(t *testing.T) {
	t.Parallel()
	c, err := ParseColor(" Orange ")
	require.NoError(t, err)
	assert.Equal(t, Orange, c)
	_, err = ParseColor("blue")
	assert.Error(t, err)
}
