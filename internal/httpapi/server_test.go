package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/storage"
	"envwatch/internal/task/engine"
	logx "envwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    storage.Store
	readings storage.ReadingStore
	state    *alert.State
	engine   *fakeEngine
	srv      *Server
	now      time.Time
}

type fakeEngine struct {
	streaks   map[alert.JobType]int
	submitted []alert.JobType
	err       error
}

func (f *fakeEngine) Snapshot() engine.Snapshot { return engine.Snapshot{Running: true, Workers: 2} }

func (f *fakeEngine) ConsecutiveFailures(t alert.JobType) int { return f.streaks[t] }

func (f *fakeEngine) Submit(ctx context.Context, t alert.JobType, delay time.Duration) (storage.Job, error) {
	f.submitted = append(f.submitted, t)
	return storage.Job{ID: "job-1", JobType: t, State: storage.StateWaiting}, f.err
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	st, err := storage.Open(ctx, storage.Config{Path: filepath.Join(dir, "state.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	rs, err := storage.OpenReadings(ctx, storage.ReadingsConfig{Driver: "sqlite", Path: filepath.Join(dir, "readings.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	f := &fixture{
		store:    st,
		readings: rs,
		state:    alert.NewState(st),
		engine:   &fakeEngine{streaks: map[alert.JobType]int{}},
		now:      time.Now(),
	}
	f.srv = New(Config{}, Deps{
		Alerts:   f.state,
		Readings: rs,
		Queue:    st,
		Engine:   f.engine,
		Health:   func() map[string]any { return map[string]any{"engine": "up"} },
		JobTypes: []alert.JobType{alert.JobWeather, alert.JobAQI},
	}, logx.Nop())
	f.srv.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestDefaultsBeforeFirstEvaluation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/alerts", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"alert": "green"}, body)

	_, body = f.do(t, http.MethodGet, "/alerts/remark", "")
	assert.Equal(t, map[string]any{"remark": "All systems operational"}, body)

	_, body = f.do(t, http.MethodGet, "/aqi/alert", "")
	assert.Equal(t, map[string]any{"color": "green", "remark": "Air quality normal"}, body)

	_, body = f.do(t, http.MethodGet, "/alerts/AQIIndex", "")
	assert.Equal(t, false, body["evaluated"])
	assert.Nil(t, body["published_at"])

	// Reading the default never writes it.
	_, ok, err := f.state.Read(context.Background(), alert.JobAQI)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublishedValuesAreServed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.state.Publish(ctx, alert.JobWeather, alert.ClassificationResult{Color: alert.Orange, Remark: "Rapid warming detected"})
	require.NoError(t, err)
	_, err = f.state.Publish(ctx, alert.JobAQI, alert.ClassificationResult{Color: alert.Red, Remark: "Smoke"})
	require.NoError(t, err)
	f.engine.streaks[alert.JobWeather] = 2

	_, body := f.do(t, http.MethodGet, "/alerts", "")
	assert.Equal(t, "orange", body["alert"])
	_, body = f.do(t, http.MethodGet, "/alerts/remark", "")
	assert.Equal(t, "Rapid warming detected", body["remark"])
	_, body = f.do(t, http.MethodGet, "/aqi/alert", "")
	assert.Equal(t, map[string]any{"color": "red", "remark": "Smoke"}, body)

	code, body := f.do(t, http.MethodGet, "/alerts/WeatherIndex", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["evaluated"])
	assert.Equal(t, float64(2), body["consecutive_failures"])
	assert.NotNil(t, body["published_at"])

	code, _ = f.do(t, http.MethodGet, "/alerts/Unknown", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPM25Averages(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, body := f.do(t, http.MethodGet, "/pm25/avg", "")
	assert.Equal(t, map[string]any{"avg_pm25": float64(0)}, body)

	for i, v := range []float64{10, 11, 12.333} {
		require.NoError(t, f.readings.InsertPM25(ctx, storage.PM25Reading{PM25: v, At: f.now.Add(-time.Duration(i+1) * time.Minute)}))
	}
	require.NoError(t, f.readings.InsertPM25(ctx, storage.PM25Reading{PM25: 100, At: f.now.Add(-10 * time.Minute)}))

	_, body = f.do(t, http.MethodGet, "/pm25/avg", "")
	assert.Equal(t, 11.11, body["avg_pm25"])

	_, body = f.do(t, http.MethodGet, "/pm25/avg/15min", "")
	assert.InDelta(t, (10+11+12.333+100)/4, body["avg_pm25"], 1e-9)
}

func TestIngest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, bad := range []string{"", "[1,2]", "null", "42", "{"} {
		code, body := f.do(t, http.MethodPost, "/ingest", bad)
		assert.Equal(t, http.StatusBadRequest, code, bad)
		assert.Equal(t, false, body["success"], bad)
	}

	code, body := f.do(t, http.MethodPost, "/ingest", `{"temp_c":30,"humidity_pct":80,"pm25":7,"note":"x"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["stored"])

	code, body = f.do(t, http.MethodPost, "/ingest", `{"battery":3.7}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["stored"])

	avg, n, err := f.readings.AvgPM25Since(context.Background(), f.now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 7.0, avg)
}

func TestDiagnostics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.Enqueue(ctx, storage.EnqueueRequest{JobType: alert.JobAQI, ScheduleID: "sch-1"})
	require.NoError(t, err)

	code, body := f.do(t, http.MethodGet, "/debug/queue?state=waiting", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["jobs"], 1)
	assert.Equal(t, map[string]any{"waiting": float64(1)}, body["counts"])

	code, _ = f.do(t, http.MethodGet, "/debug/queue?state=done", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "up", body["engine"])

	code, _ = f.do(t, http.MethodGet, "/debug/schedules", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body = f.do(t, http.MethodGet, "/debug/engine", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["running"])
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/debug/jobs/WeatherIndex", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, false, body["coalesced"])
	assert.Equal(t, []alert.JobType{alert.JobWeather}, f.engine.submitted)

	code, _ = f.do(t, http.MethodPost, "/debug/jobs/WeatherIndex?delay=soon", "")
	assert.Equal(t, http.StatusBadRequest, code)

	f.engine.err = storage.ErrCoalesced
	code, body = f.do(t, http.MethodPost, "/debug/jobs/AQIIndex", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["coalesced"])

	f.engine.err = engine.ErrStopped
	code, _ = f.do(t, http.MethodPost, "/debug/jobs/AQIIndex", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestCORSAndDisabledReadings(t *testing.T) {
	t.Parallel()
	srv := New(Config{}, Deps{}, logx.Nop())

	req := httptest.NewRequest(http.MethodOptions, "/alerts", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/pm25/avg", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	srv := New(Config{Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	require.NoError(t, srv.Start(context.Background()))
	addr := srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, srv.Stop(context.Background()))
	assert.Empty(t, srv.Addr())
}
