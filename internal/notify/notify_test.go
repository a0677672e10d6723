package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/eventbus"
	logx "envwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

func published(t alert.JobType, c alert.Color) alert.PublishedAlert {
	return alert.PublishedAlert{JobType: t, Color: c, Remark: "Rapid warming detected", PublishedAt: time.Now().UTC()}
}

func TestWebhookPostsColor(t *testing.T) {
	t.Parallel()
	got := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh, err := NewWebhook(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, wh.Notify(context.Background(), published(alert.JobWeather, alert.Orange)))
	assert.Equal(t, map[string]string{"alert": "orange"}, <-got)
}

func TestWebhookStatusError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh, err := NewWebhook(WebhookConfig{URL: srv.URL, Name: "relay"})
	require.NoError(t, err)
	err = wh.Notify(context.Background(), published(alert.JobAQI, alert.Red))
	require.ErrorIs(t, err, ErrWebhookStatus)
	assert.Equal(t, "relay", wh.Name())

	_, err = NewWebhook(WebhookConfig{})
	assert.Error(t, err)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, what.(string))
	return &tele.Message{ID: len(f.sent)}, nil
}

func TestTelegramSendsOnColorChange(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	tg := newTelegram(fs, 42, 0)
	ctx := context.Background()

	require.NoError(t, tg.Notify(ctx, published(alert.JobWeather, alert.Green)))
	require.NoError(t, tg.Notify(ctx, published(alert.JobWeather, alert.Orange)))
	require.NoError(t, tg.Notify(ctx, published(alert.JobWeather, alert.Orange)))
	require.NoError(t, tg.Notify(ctx, published(alert.JobAQI, alert.Red)))

	require.Len(t, fs.sent, 2)
	assert.Contains(t, fs.sent[0], "ORANGE (was green)")
	assert.Contains(t, fs.sent[0], "Rapid warming detected")
	assert.Contains(t, fs.sent[1], "AQIIndex")
}

func TestTelegramRetriesAfterSendFailure(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{err: errors.New("flood wait")}
	tg := newTelegram(fs, 42, 0)

	require.Error(t, tg.Notify(context.Background(), published(alert.JobAQI, alert.Red)))
	fs.err = nil
	require.NoError(t, tg.Notify(context.Background(), published(alert.JobAQI, alert.Red)))
	assert.Len(t, fs.sent, 1)
}

func TestNewTelegramValidates(t *testing.T) {
	t.Parallel()
	_, err := NewTelegram(TelegramConfig{ChatID: 1})
	assert.Error(t, err)
	_, err = NewTelegram(TelegramConfig{Token: "123:abc"})
	assert.Error(t, err)
}

func TestFanoutLogsFailuresAndContinues(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	var flaky, ok atomic.Int32
	sinks := []Sink{
		SinkFunc{ID: "flaky", Fn: func(ctx context.Context, a alert.PublishedAlert) error {
			flaky.Add(1)
			return errors.New("unreachable")
		}},
		SinkFunc{ID: "ok", Fn: func(ctx context.Context, a alert.PublishedAlert) error {
			ok.Add(1)
			return nil
		}},
	}
	f := NewFanout(Config{RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, sinks, logx.Nop(), bus)
	f.Deliver(context.Background(), published(alert.JobWeather, alert.Red))

	assert.Equal(t, int32(3), flaky.Load())
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, []string{"flaky", "ok"}, f.Sinks())

	hist := f.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "unreachable", hist[0].Error)
	assert.Equal(t, 3, hist[0].Attempts)
	assert.Empty(t, hist[1].Error)

	e := <-events
	assert.Equal(t, eventbus.NotifyFailed, e.Type)
	e = <-events
	assert.Equal(t, eventbus.NotifySent, e.Type)
}

func TestFanoutBoundsEachAttempt(t *testing.T) {
	t.Parallel()
	slow := SinkFunc{ID: "slow", Fn: func(ctx context.Context, a alert.PublishedAlert) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	f := NewFanout(Config{Timeout: 20 * time.Millisecond}, []Sink{slow}, logx.Nop(), nil)

	start := time.Now()
	f.Deliver(context.Background(), published(alert.JobAQI, alert.Yellow))
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, f.History(), 1)
	assert.Contains(t, f.History()[0].Error, context.DeadlineExceeded.Error())
}

func TestRetryDelayCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond}.withDefaults()
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.LessOrEqual(t, d, cfg.RetryMaxDelay)
		assert.Greater(t, d, time.Duration(0))
	}
}

func TestFanoutOnlyDeliversToNamedSinks(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got []string
	sink := func(name string) Sink {
		return SinkFunc{ID: name, Fn: func(ctx context.Context, a alert.PublishedAlert) error {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
			return nil
		}}
	}
	f := NewFanout(Config{RatePerSec: 100}, []Sink{sink("relay"), sink("telegram"), sink("siren")}, logx.Nop(), nil)

	f.Only("siren", "relay").Deliver(context.Background(), published(alert.JobAQI, alert.Red))
	assert.Equal(t, []string{"relay", "siren"}, got)

	got = nil
	f.Only().Deliver(context.Background(), published(alert.JobAQI, alert.Red))
	assert.Equal(t, []string{"relay", "telegram", "siren"}, got)
	assert.Len(t, f.History(), 5)
}
