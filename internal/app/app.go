package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/classify"
	"envwatch/internal/config"
	"envwatch/internal/evaluator"
	"envwatch/internal/eventbus"
	"envwatch/internal/httpapi"
	"envwatch/internal/ingest"
	"envwatch/internal/notify"
	"envwatch/internal/runtime/supervisor"
	"envwatch/internal/signal"
	"envwatch/internal/storage"
	"envwatch/internal/task/engine"
	"envwatch/internal/task/reconcile"
	"envwatch/internal/task/scheduler"
	logx "envwatch/pkg/logx"
)

// Options tune how the app is assembled.
type Options struct {
	ConfigPath string
	// Classifier replaces the configured provider when set.
	Classifier classify.Classifier
	// Watch enables config hot reload.
	Watch bool
}

type App struct {
	opts Options

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	readings storage.ReadingStore
	state    *alert.State

	classifier classify.Classifier
	fanout     *notify.Fanout
	registry   *evaluator.Registry

	engine *engine.Service
	sched  *scheduler.Service
	ingest *ingest.Service
	http   *httpapi.Server

	startedAt time.Time
}

// New loads the config and assembles every component. Nothing runs until
// Start.
func New(ctx context.Context, opts Options) (*App, error) {
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "config"))
	cfgm := config.NewManager(opts.ConfigPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a := &App{opts: opts, cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}

	if err := a.build(ctx, cfg); err != nil {
		a.closeStores()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	log := a.logs.Logger()

	st, err := storage.Open(ctx, mapStorageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st

	rs, err := storage.OpenReadings(ctx, mapReadingsConfig(cfg), log.With(logx.String("comp", "readings")))
	if err != nil {
		return fmt.Errorf("open readings: %w", err)
	}
	a.readings = rs

	a.state = alert.NewState(st,
		alert.WithRemarkLimit(cfg.Classifier.RemarkMaxLen),
		alert.WithLogger(log.With(logx.String("comp", "alerts"))))

	if a.opts.Classifier != nil {
		a.classifier = a.opts.Classifier
	} else {
		c, err := classify.NewOpenAI(mapClassifierConfig(cfg), log.With(logx.String("comp", "classifier")))
		if err != nil {
			return fmt.Errorf("classifier: %w", err)
		}
		a.classifier = c
	}

	sinks, err := buildSinks(cfg)
	if err != nil {
		return err
	}
	a.fanout = notify.NewFanout(mapNotifyConfig(cfg), sinks, log.With(logx.String("comp", "notify")), a.bus)

	a.registry = evaluator.NewRegistry()
	evals, err := a.buildEvaluators(cfg)
	if err != nil {
		return err
	}
	for _, e := range evals {
		if err := a.registry.Register(e); err != nil {
			return err
		}
	}

	a.engine = engine.New(mapEngineConfig(cfg), st, a.registry, log.With(logx.String("comp", "engine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), st, log.With(logx.String("comp", "scheduler")), a.bus,
		scheduler.WithWake(a.engine.Wake))

	var w ingest.Writer
	if rs != nil {
		w = rs
	}
	ing, err := ingest.New(mapIngestConfig(cfg), w, log.With(logx.String("comp", "ingest")))
	if err != nil {
		return err
	}
	a.ingest = ing

	deps := httpapi.Deps{
		Alerts:    a.state,
		Queue:     st,
		Engine:    a.engine,
		Schedules: a.sched,
		Health:    a.health,
		JobTypes:  a.registry.JobTypes(),
	}
	if rs != nil {
		deps.Readings = rs
	}
	a.http = httpapi.New(mapHTTPConfig(cfg), deps, log.With(logx.String("comp", "http")))
	return nil
}

// buildEvaluators creates one pipeline per configured job.
func (a *App) buildEvaluators(cfg *config.Config) ([]evaluator.Evaluator, error) {
	log := a.logs.Logger().With(logx.String("comp", "evaluator"))
	out := make([]evaluator.Evaluator, 0, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		t := alert.JobType(strings.TrimSpace(j.Type))
		src, err := signal.NewHTTPSource(mapSignalConfig(j))
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", t, err)
		}
		p, err := evaluator.NewPipeline(
			evaluator.PipelineConfig{JobType: t, Instructions: classify.Instructions(t, j.Prompt)},
			src, a.store, a.classifier, a.state, a.fanout.Only(j.Notify...), log, a.bus)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", t, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr is the bound API address once started.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Start reconciles schedules, then starts consumers before producers:
// engine, scheduler, pollers, HTTP. A reconcile failure aborts startup.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startedAt = time.Now()
	cfg := a.cfgm.Get()

	rep, err := reconcile.New(a.store, a.log.With(logx.String("comp", "reconcile"))).Run(ctx, jobDefinitions(cfg))
	if err != nil {
		return fmt.Errorf("reconcile schedules: %w", err)
	}
	a.log.Info("schedules reconciled",
		logx.Int("registered", len(rep.Registered)),
		logx.Int("removed", len(rep.Removed)),
		logx.Int("purged_jobs", len(rep.PurgedJobs)))

	runCtx := a.sup.Context()
	a.engine.Start(runCtx)
	if err := a.sched.Start(runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := a.ingest.Start(runCtx); err != nil {
		return fmt.Errorf("start ingest: %w", err)
	}
	if err := a.http.Start(runCtx); err != nil {
		return fmt.Errorf("start http: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.opts.Watch {
		a.cfgm.SetValidator(func(c context.Context, next *config.Config) error {
			// Job wiring must build before the config is committed.
			_, err := a.buildEvaluators(next)
			return err
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started",
		logx.Int("jobs", len(cfg.Jobs)),
		logx.String("http", a.http.Addr()),
		logx.Any("sinks", a.fanout.Sinks()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			change := config.Diff(lastApplied, next)
			if change.Empty() {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.apply(ctx, change, next)
			lastApplied = next
			a.log.Info("config reloaded", config.SummaryFields(change, next)...)
		}
	}
}

// apply pushes the hot sections of a reloaded config into running
// components.
func (a *App) apply(ctx context.Context, change config.Change, cfg *config.Config) {
	if change.Has(config.SectionLogging) {
		a.logs.Apply(mapLogging(cfg))
	}
	if change.Has(config.SectionEngine) || change.Has(config.SectionJobs) {
		a.engine.Apply(mapEngineConfig(cfg))
	}
	if change.Has(config.SectionJobs) {
		if err := a.applyJobs(ctx, cfg); err != nil {
			a.log.Error("jobs reload failed", logx.Err(err))
		}
	}
	if rr := change.RestartRequired(); len(rr) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(rr, ",")))
	}
}

func (a *App) applyJobs(ctx context.Context, cfg *config.Config) error {
	evals, err := a.buildEvaluators(cfg)
	if err != nil {
		return err
	}
	var rep reconcile.Report
	err = a.sched.ReloadWith(ctx, func(ctx context.Context) error {
		var err error
		rep, err = reconcile.New(a.store, a.log.With(logx.String("comp", "reconcile"))).Run(ctx, jobDefinitions(cfg))
		if err != nil {
			return err
		}
		for _, e := range evals {
			a.registry.Replace(e)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.log.Info("jobs reloaded", logx.Int("registered", len(rep.Registered)), logx.Int("removed", len(rep.Removed)))
	return nil
}

func (a *App) health() map[string]any {
	out := map[string]any{
		"uptime": time.Since(a.startedAt).Round(time.Second).String(),
		"jobs":   a.registry.JobTypes(),
		"sinks":  a.fanout.Sinks(),
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	if sup := a.engine.Supervisor(); sup != nil {
		out["engine_supervisor"] = sup.Snapshot()
	}
	if p := a.ingest.Snapshot(); len(p) > 0 {
		out["ingest"] = p
	}
	if h := a.fanout.History(); len(h) > 0 {
		out["last_notify"] = h[len(h)-1]
	}
	return out
}

// Stop shuts components down in reverse start order. Each step is bounded
// so one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("http", 5*time.Second, a.http.Stop)
	step("ingest", 2*time.Second, func(c context.Context) error { a.ingest.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// in-flight evaluations keep their own budget; give them room to finish
	step("engine", a.engine.MaxBudget()+5*time.Second, func(c context.Context) error {
		a.engine.Stop(c)
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.closeStores() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStores() error {
	var errs []error
	if a.readings != nil {
		errs = append(errs, a.readings.Close())
		a.readings = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}
