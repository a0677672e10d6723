package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"envwatch/internal/signal"
	logx "envwatch/pkg/logx"

	"github.com/robfig/cron/v3"
)

const (
	DefaultCron  = "@every 1m"
	writeTimeout = 5 * time.Second
)

type PollerConfig struct {
	URL     string
	Cron    string
	Timeout time.Duration
}

func (p PollerConfig) Enabled() bool { return strings.TrimSpace(p.URL) != "" }

// Config enables the weather and PM2.5 pollers independently.
type Config struct {
	Timezone string
	Weather  PollerConfig
	PM25     PollerConfig
}

// PollerStatus is a point-in-time view of one poller.
type PollerStatus struct {
	Name     string    `json:"name"`
	URL      string    `json:"url"`
	Cron     string    `json:"cron"`
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	LastOK   time.Time `json:"last_ok,omitempty"`
	LastErr  string    `json:"last_err,omitempty"`
}

type poller struct {
	name   string
	cron   string
	source signal.Source
	url    string

	mu     sync.Mutex
	status PollerStatus
}

// Service polls sensor endpoints on a cron cadence and records readings.
// A poll never overlaps itself; a tick that arrives while the previous poll
// is still running is skipped.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	writer  Writer
	loc     *time.Location
	pollers []*poller

	c       *cron.Cron
	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(cfg Config, w Writer, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if w == nil && (cfg.Weather.Enabled() || cfg.PM25.Enabled()) {
		return nil, errors.New("ingest pollers need a readings store")
	}
	s := &Service{log: log, writer: w, loc: time.Local}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("ingest timezone: %w", err)
		}
		s.loc = loc
	}
	if cfg.Weather.Enabled() {
		p, err := newPoller("weather", cfg.Weather, []string{FieldTemp, FieldHumidity}, WeatherFields)
		if err != nil {
			return nil, err
		}
		s.pollers = append(s.pollers, p)
	}
	if cfg.PM25.Enabled() {
		p, err := newPoller("pm25", cfg.PM25, []string{FieldPM25}, []string{FieldPM25})
		if err != nil {
			return nil, err
		}
		s.pollers = append(s.pollers, p)
	}
	return s, nil
}

func newPoller(name string, cfg PollerConfig, required, fields []string) (*poller, error) {
	src, err := signal.NewHTTPSource(signal.HTTPConfig{
		Topic:    name,
		URL:      cfg.URL,
		Fields:   fields,
		Required: required,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%s poller: %w", name, err)
	}
	spec := strings.TrimSpace(cfg.Cron)
	if spec == "" {
		spec = DefaultCron
	}
	return &poller{name: name, cron: spec, source: src, url: cfg.URL, status: PollerStatus{Name: name, URL: cfg.URL, Cron: spec}}, nil
}

// Start registers the pollers and runs each once immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || len(s.pollers) == 0 {
		return nil
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))

	ids := make([]cron.EntryID, 0, len(s.pollers))
	for _, p := range s.pollers {
		p := p
		id, err := c.AddFunc(p.cron, func() { s.poll(base, p) })
		if err != nil {
			cancel()
			return fmt.Errorf("%s poller cron %q: %w", p.name, p.cron, err)
		}
		ids = append(ids, id)
	}
	s.c, s.baseCtx, s.cancel = c, base, cancel
	c.Start()

	// The wrapped job carries the skip-if-running guard, so a slow first
	// poll and the first tick cannot overlap.
	for _, id := range ids {
		go c.Entry(id).WrappedJob.Run()
	}
	s.log.Info("ingest started", logx.Int("pollers", len(s.pollers)))
	return nil
}

// Stop halts the cron and waits for running polls until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("ingest stop timed out", logx.Err(ctx.Err()))
	}
	cancel()
}

func (s *Service) poll(ctx context.Context, p *poller) {
	if ctx.Err() != nil {
		return
	}
	sig, err := p.source.Fetch(ctx)
	if err == nil {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		_, err = Record(wctx, s.writer, sig.Values, sig.ObservedAt)
		cancel()
	}

	p.mu.Lock()
	p.status.Runs++
	if err != nil {
		p.status.Failures++
		p.status.LastErr = err.Error()
	} else {
		p.status.LastOK = time.Now()
		p.status.LastErr = ""
	}
	p.mu.Unlock()

	if err != nil {
		s.log.Warn("poll failed", logx.String("poller", p.name), logx.Err(err))
		return
	}
	s.log.Debug("reading stored", logx.String("poller", p.name), logx.Any("values", sig.Values))
}

func (s *Service) Snapshot() []PollerStatus {
	out := make([]PollerStatus, 0, len(s.pollers))
	for _, p := range s.pollers {
		p.mu.Lock()
		out = append(out, p.status)
		p.mu.Unlock()
	}
	return out
}

// cronLogger routes robfig/cron's logr-style calls into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
