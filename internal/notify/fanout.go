package notify

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/eventbus"
	logx "envwatch/pkg/logx"

	"golang.org/x/time/rate"
)

type Config struct {
	RatePerSec    int
	Timeout       time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	HistorySize   int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	Sink     string    `json:"sink"`
	JobType  string    `json:"job_type"`
	Color    string    `json:"color"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

// Fanout delivers each alert to every sink in order.
//
// It is safe for concurrent use.
type Fanout struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sinks   []Sink

	log logx.Logger
	bus eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem
}

func NewFanout(cfg Config, sinks []Sink, log logx.Logger, bus eventbus.Bus) *Fanout {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Fanout{sinks: sinks, log: log, bus: bus}
	f.Apply(cfg)
	return f
}

// Apply swaps rate, timeout and retry settings.
func (f *Fanout) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	f.mu.Lock()
	f.cfg = cfg
	// burst = rate so short spikes don't block
	f.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	f.mu.Unlock()
}

func (f *Fanout) Sinks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		out = append(out, s.Name())
	}
	return out
}

func (f *Fanout) Deliver(ctx context.Context, a alert.PublishedAlert) {
	f.deliver(ctx, a, nil)
}

// Only returns a Notifier that delivers to the named sinks alone. It shares
// the limiter and history of f. No names means every sink.
func (f *Fanout) Only(names ...string) Notifier {
	if len(names) == 0 {
		return f
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return subset{f: f, names: set}
}

type subset struct {
	f     *Fanout
	names map[string]bool
}

func (s subset) Deliver(ctx context.Context, a alert.PublishedAlert) { s.f.deliver(ctx, a, s.names) }

func (f *Fanout) deliver(ctx context.Context, a alert.PublishedAlert, only map[string]bool) {
	f.mu.Lock()
	cfg := f.cfg
	lim := f.limiter
	sinks := f.sinks
	f.mu.Unlock()

	for _, s := range sinks {
		if only != nil && !only[s.Name()] {
			continue
		}
		if ctx.Err() != nil {
			f.log.Warn("notify abandoned", logx.String("sink", s.Name()), logx.String("job_type", a.JobType.String()), logx.Err(ctx.Err()))
			return
		}
		f.deliverOne(ctx, cfg, lim, s, a)
	}
}

func (f *Fanout) deliverOne(ctx context.Context, cfg Config, lim *rate.Limiter, s Sink, a alert.PublishedAlert) {
	maxAttempts := 1 + cfg.RetryMax
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := s.Notify(callCtx, a)
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		f.log.Debug("notify attempt failed", logx.String("sink", s.Name()), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
			attempt = maxAttempts
		}
	}

	item := HistoryItem{At: time.Now(), Sink: s.Name(), JobType: a.JobType.String(), Color: string(a.Color), Attempts: attempts}
	ev := eventbus.NotifyEvent{Sink: s.Name(), JobType: item.JobType, Color: item.Color, Attempts: attempts, At: item.At}
	if lastErr != nil {
		item.Error = lastErr.Error()
		ev.Error = item.Error
		f.log.Warn("notify failed", logx.String("sink", s.Name()), logx.String("job_type", item.JobType), logx.Int("attempts", attempts), logx.Err(lastErr))
		eventbus.Publish(f.bus, eventbus.NotifyFailed, ev)
	} else {
		f.log.Debug("notify sent", logx.String("sink", s.Name()), logx.String("job_type", item.JobType))
		eventbus.Publish(f.bus, eventbus.NotifySent, ev)
	}
	f.appendHistory(item, cfg.HistorySize)
}

func (f *Fanout) History() []HistoryItem {
	f.hmu.Lock()
	defer f.hmu.Unlock()
	return append([]HistoryItem(nil), f.history...)
}

func (f *Fanout) appendHistory(item HistoryItem, size int) {
	f.hmu.Lock()
	f.history = append(f.history, item)
	if len(f.history) > size {
		f.history = f.history[len(f.history)-size:]
	}
	f.hmu.Unlock()
}

// retryDelay is the wait before attempt+1: exponential from RetryBase,
// capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	return min(max(d, 0), cfg.RetryMaxDelay)
}

var _ Notifier = (*Fanout)(nil)
