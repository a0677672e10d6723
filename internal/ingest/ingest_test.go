package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"envwatch/internal/storage"
	logx "envwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	weather []storage.WeatherReading
	pm25    []storage.PM25Reading
	err     error
}

func (m *memWriter) InsertWeather(ctx context.Context, r storage.WeatherReading) error {
	if m.err != nil {
		return m.err
	}
	m.weather = append(m.weather, r)
	return nil
}

func (m *memWriter) InsertPM25(ctx context.Context, r storage.PM25Reading) error {
	if m.err != nil {
		return m.err
	}
	m.pm25 = append(m.pm25, r)
	return nil
}

func TestRecord(t *testing.T) {
	t.Parallel()
	at := time.Unix(1_700_000_000, 0).UTC()

	t.Run("weather and pm25", func(t *testing.T) {
		w := &memWriter{}
		n, err := Record(context.Background(), w, map[string]float64{"temp_c": 30, "humidity_pct": 80, "pressure_hpa": 1005, "pm25": 12.5}, at)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		require.Len(t, w.weather, 1)
		assert.Equal(t, 30.0, w.weather[0].Temperature)
		require.NotNil(t, w.weather[0].Pressure)
		assert.Equal(t, 1005.0, *w.weather[0].Pressure)
		assert.Nil(t, w.weather[0].Light)
		assert.Equal(t, at, w.weather[0].At)
		require.Len(t, w.pm25, 1)
	})

	t.Run("humidity missing", func(t *testing.T) {
		w := &memWriter{}
		_, err := Record(context.Background(), w, map[string]float64{"temp_c": 30}, at)
		require.ErrorIs(t, err, ErrNoReadings)
		assert.Empty(t, w.weather)
	})

	t.Run("store error", func(t *testing.T) {
		w := &memWriter{err: errors.New("disk full")}
		_, err := Record(context.Background(), w, map[string]float64{"pm25": 3}, at)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoReadings)
	})
}

func openReadings(t *testing.T) storage.ReadingStore {
	t.Helper()
	rs, err := storage.OpenReadings(context.Background(), storage.ReadingsConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "readings.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })
	return rs
}

func TestServicePollsImmediatelyOnStart(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	sensor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"pm25": 40}`))
	}))
	defer sensor.Close()

	rs := openReadings(t)
	s, err := New(Config{PM25: PollerConfig{URL: sensor.URL, Cron: "@every 1h"}}, rs, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		_, n, err := rs.AvgPM25Since(context.Background(), time.Now().Add(-time.Minute))
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)
	avg, _, err := rs.AvgPM25Since(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 40.0, avg)
	assert.Equal(t, int32(1), hits.Load())

	st := s.Snapshot()
	require.Len(t, st, 1)
	assert.Equal(t, uint64(1), st[0].Runs)
	assert.Zero(t, st[0].Failures)
}

func TestServiceRecordsPollFailure(t *testing.T) {
	t.Parallel()
	sensor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"temp_c": 21}`))
	}))
	defer sensor.Close()

	s, err := New(Config{Weather: PollerConfig{URL: sensor.URL, Cron: "@every 1h"}}, &memWriter{}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return s.Snapshot()[0].Failures == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, s.Snapshot()[0].LastErr, "humidity_pct")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(Config{PM25: PollerConfig{URL: "http://sensor"}}, nil, logx.Nop())
	assert.Error(t, err)

	_, err = New(Config{Timezone: "Mars/Olympus", PM25: PollerConfig{URL: "http://sensor"}}, &memWriter{}, logx.Nop())
	assert.Error(t, err)

	s, err := New(Config{}, nil, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.Empty(t, s.Snapshot())
	s.Stop(context.Background())
}

func TestStartRejectsBadCron(t *testing.T) {
	t.Parallel()
	s, err := New(Config{PM25: PollerConfig{URL: "http://sensor", Cron: "every minute"}}, &memWriter{}, logx.Nop())
	require.NoError(t, err)
	assert.Error(t, s.Start(context.Background()))
}
