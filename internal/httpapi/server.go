// Package httpapi serves the read side of published alerts, sensor
// aggregates, the ingest push endpoint and operator diagnostics.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/storage"
	"envwatch/internal/task/engine"
	"envwatch/internal/task/scheduler"
	logx "envwatch/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// AllowOrigin is sent as Access-Control-Allow-Origin. Empty means "*".
	AllowOrigin string
	Pprof       bool
	// WeatherJob and AQIJob back the fixed legacy routes.
	WeatherJob alert.JobType
	AQIJob     alert.JobType
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8008"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.AllowOrigin == "" {
		c.AllowOrigin = "*"
	}
	if c.WeatherJob == "" {
		c.WeatherJob = alert.JobWeather
	}
	if c.AQIJob == "" {
		c.AQIJob = alert.JobAQI
	}
	return c
}

// AlertReader is the read boundary of published alerts.
type AlertReader interface {
	View(ctx context.Context, t alert.JobType) alert.View
}

// Readings is the readings store as seen by the API. It may be nil.
type Readings interface {
	InsertWeather(ctx context.Context, r storage.WeatherReading) error
	InsertPM25(ctx context.Context, r storage.PM25Reading) error
	AvgPM25Since(ctx context.Context, since time.Time) (float64, int, error)
}

type QueueLister interface {
	List(ctx context.Context, states ...storage.JobState) ([]storage.Job, error)
}

type Engine interface {
	Snapshot() engine.Snapshot
	ConsecutiveFailures(t alert.JobType) int
	Submit(ctx context.Context, t alert.JobType, delay time.Duration) (storage.Job, error)
}

type Schedules interface {
	Snapshot() scheduler.Snapshot
}

// Deps are the collaborators behind the routes. Nil members disable the
// routes that need them (they answer 503).
type Deps struct {
	Alerts    AlertReader
	Readings  Readings
	Queue     QueueLister
	Engine    Engine
	Schedules Schedules
	// Health returns extra component status for /healthz.
	Health func() map[string]any
	// JobTypes are the job types accepted by /alerts/{jobType} and
	// /debug/jobs/{jobType}. Empty accepts any valid job type.
	JobTypes []alert.JobType
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg.withDefaults(), deps: deps, log: log, now: time.Now}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)
	r.Use(cors(s.cfg.AllowOrigin))

	r.Get("/alerts", s.handleWeatherColor)
	r.Get("/alerts/remark", s.handleWeatherRemark)
	r.Get("/alerts/{jobType}", s.handleAlert)
	r.Get("/aqi/alert", s.handleAQI)

	r.Get("/pm25/avg", s.handlePM25Avg(5*time.Minute, true))
	r.Get("/pm25/avg/15min", s.handlePM25Avg(15*time.Minute, false))
	r.Post("/ingest", s.handleIngest)

	r.Get("/healthz", s.handleHealth)
	r.Get("/debug/queue", s.handleQueue)
	r.Get("/debug/schedules", s.handleSchedules)
	r.Get("/debug/engine", s.handleEngine)
	r.Post("/debug/jobs/{jobType}", s.handleSubmit)
	if s.cfg.Pprof {
		// pprof under /debug/runtime/pprof/
		r.Mount("/debug/runtime", middleware.Profiler())
	}
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	s.srv, s.ln = srv, ln
	go func() {
		s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", logx.Err(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
		return err
	}
	return nil
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
