package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/classify"
	"envwatch/internal/notify"
	"envwatch/internal/signal"
	"envwatch/internal/storage"
	"envwatch/internal/task/engine"
	logx "envwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type stubSource struct {
	mu     sync.Mutex
	topic  string
	values map[string]float64
	err    error
}

func (s *stubSource) Topic() string { return s.topic }

func (s *stubSource) Fetch(ctx context.Context) (alert.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return alert.Signal{}, s.err
	}
	v := make(map[string]float64, len(s.values))
	for k, x := range s.values {
		v[k] = x
	}
	return alert.Signal{Topic: s.topic, Values: v, ObservedAt: time.Now().UTC()}, nil
}

func (s *stubSource) set(values map[string]float64, err error) {
	s.mu.Lock()
	s.values, s.err = values, err
	s.mu.Unlock()
}

type recordingClassifier struct {
	mu   sync.Mutex
	reqs []classify.Request
	res  alert.ClassificationResult
	err  error
}

func (c *recordingClassifier) Classify(ctx context.Context, req classify.Request) (alert.ClassificationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return c.res, c.err
}

func TestFailedEvaluationLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	state := alert.NewState(st)

	prior, err := state.Publish(ctx, alert.JobAQI, alert.ClassificationResult{Color: alert.Yellow, Remark: "Elevated PM2.5"})
	require.NoError(t, err)
	window := alert.Signal{Topic: "aqi", Values: map[string]float64{"pm25": 20}, ObservedAt: time.Unix(100, 0).UTC()}
	require.NoError(t, st.PutSnapshot(ctx, window))

	src := &stubSource{topic: "aqi"}
	cls := &recordingClassifier{}
	var notified int
	sink := notify.SinkFunc{ID: "count", Fn: func(ctx context.Context, a alert.PublishedAlert) error { notified++; return nil }}
	p, err := NewPipeline(PipelineConfig{JobType: alert.JobAQI}, src, st, cls, state, notify.NewFanout(notify.Config{}, []notify.Sink{sink}, logx.Nop(), nil), logx.Nop(), nil)
	require.NoError(t, err)

	cases := []struct {
		name   string
		src    error
		values map[string]float64
		cls    error
		res    alert.ClassificationResult
	}{
		{name: "fetch error", src: signal.ErrStatus},
		{name: "classifier error", values: map[string]float64{"pm25": 90}, cls: errors.New("timeout")},
		{name: "schema violation", values: map[string]float64{"pm25": 90}, cls: classify.ErrSchema},
		{name: "invalid result", values: map[string]float64{"pm25": 90}, res: alert.ClassificationResult{Color: "purple"}},
	}
	for _, tc := range cases {
		src.set(tc.values, tc.src)
		cls.mu.Lock()
		cls.err, cls.res = tc.cls, tc.res
		cls.mu.Unlock()

		_, err := p.Evaluate(ctx)
		require.Error(t, err, tc.name)

		got, ok, err := state.Read(ctx, alert.JobAQI)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, prior.Color, got.Color, tc.name)
		assert.Equal(t, prior.Remark, got.Remark, tc.name)

		snap, ok, err := st.GetSnapshot(ctx, "aqi")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, window.Values, snap.Values, tc.name)
	}
	assert.Zero(t, notified)
}

func TestDeltaComputedAgainstLastEvaluatedWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	src := &stubSource{topic: "weather"}
	cls := &recordingClassifier{res: alert.ClassificationResult{Color: alert.Green, Remark: "Stable"}}
	p, err := NewPipeline(PipelineConfig{JobType: alert.JobWeather, Instructions: "be brief"}, src, st, cls, alert.NewState(st), nil, logx.Nop(), nil)
	require.NoError(t, err)

	src.set(map[string]float64{"temp_c": 25, "humidity_pct": 50}, nil)
	_, err = p.Evaluate(ctx)
	require.NoError(t, err)

	first := cls.reqs[0]
	assert.False(t, first.Delta.Baseline)
	assert.Equal(t, "be brief", first.Instructions)
	fd, ok := first.Delta.Field("temp_c")
	require.True(t, ok)
	assert.Nil(t, fd.Absolute)
	assert.Nil(t, fd.Percent)

	// A failed run in between must not rotate the window.
	src.set(nil, errors.New("sensor offline"))
	_, err = p.Evaluate(ctx)
	require.Error(t, err)

	src.set(map[string]float64{"temp_c": 30, "humidity_pct": 40}, nil)
	_, err = p.Evaluate(ctx)
	require.NoError(t, err)

	second := cls.reqs[1]
	assert.True(t, second.Delta.Baseline)
	fd, ok = second.Delta.Field("temp_c")
	require.True(t, ok)
	require.NotNil(t, fd.Absolute)
	require.NotNil(t, fd.Percent)
	assert.InDelta(t, 5.0, *fd.Absolute, 1e-9)
	assert.InDelta(t, 20.0, *fd.Percent, 1e-9)
	fd, _ = second.Delta.Field("humidity_pct")
	assert.InDelta(t, -10.0, *fd.Absolute, 1e-9)
	assert.InDelta(t, -20.0, *fd.Percent, 1e-9)
}

type fixedEvaluator struct {
	t   alert.JobType
	err error
}

func (f fixedEvaluator) JobType() alert.JobType { return f.t }

func (f fixedEvaluator) Evaluate(ctx context.Context) (alert.PublishedAlert, error) {
	return alert.PublishedAlert{JobType: f.t}, f.err
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(fixedEvaluator{t: alert.JobWeather}))
	require.NoError(t, r.Register(fixedEvaluator{t: alert.JobAQI, err: errors.New("boom")}))
	assert.Error(t, r.Register(fixedEvaluator{t: alert.JobWeather}))
	assert.Error(t, r.Register(fixedEvaluator{t: "bad type"}))
	assert.Equal(t, []alert.JobType{alert.JobAQI, alert.JobWeather}, r.JobTypes())

	ctx := context.Background()
	assert.NoError(t, r.Dispatch(ctx, storage.Job{JobType: alert.JobWeather}))
	assert.EqualError(t, r.Dispatch(ctx, storage.Job{JobType: alert.JobAQI}), "boom")
	assert.ErrorIs(t, r.Dispatch(ctx, storage.Job{JobType: "Unknown"}), ErrUnknownJobType)

	r.Replace(fixedEvaluator{t: alert.JobAQI})
	assert.NoError(t, r.Dispatch(ctx, storage.Job{JobType: alert.JobAQI}))
}

func TestWeatherIndexEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)

	sensor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"temp_c":30,"humidity_pct":80,"pressure_hpa":1005,"light_lux":500}`))
	}))
	defer sensor.Close()

	hooks := make(chan map[string]string, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		hooks <- body
	}))
	defer hook.Close()

	src, err := signal.NewHTTPSource(signal.HTTPConfig{Topic: "weather", URL: sensor.URL, Required: []string{"temp_c", "humidity_pct"}})
	require.NoError(t, err)
	wh, err := notify.NewWebhook(notify.WebhookConfig{URL: hook.URL})
	require.NoError(t, err)
	cls := classify.Func(func(ctx context.Context, req classify.Request) (alert.ClassificationResult, error) {
		return alert.ClassificationResult{Color: alert.Orange, Remark: "Rapid warming detected"}, nil
	})
	state := alert.NewState(st)
	p, err := NewPipeline(PipelineConfig{JobType: alert.JobWeather}, src, st, cls, state,
		notify.NewFanout(notify.Config{}, []notify.Sink{wh}, logx.Nop(), nil), logx.Nop(), nil)
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.Register(p))

	assert.False(t, state.View(ctx, alert.JobWeather).Evaluated)

	eng := engine.New(engine.Config{Workers: 1, PollInterval: 10 * time.Millisecond}, st, reg, logx.Nop(), nil)
	eng.Start(ctx)
	defer eng.Stop(ctx)

	_, err = st.Enqueue(ctx, storage.EnqueueRequest{JobType: alert.JobWeather, ScheduleID: "sch-test"})
	require.NoError(t, err)
	eng.Wake()

	select {
	case body := <-hooks:
		assert.Equal(t, map[string]string{"alert": "orange"}, body)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not called")
	}

	require.Eventually(t, func() bool { return eng.Snapshot().Completed == 1 }, 2*time.Second, 10*time.Millisecond)
	v := state.View(ctx, alert.JobWeather)
	assert.True(t, v.Evaluated)
	assert.Equal(t, alert.Orange, v.Color)
	assert.Equal(t, "Rapid warming detected", v.Remark)

	snap, ok, err := st.GetSnapshot(ctx, "weather")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1005.0, snap.Values["pressure_hpa"])
}
