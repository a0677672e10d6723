package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"envwatch/internal/eventbus"
	"envwatch/internal/storage"
	logx "envwatch/pkg/logx"

	"github.com/robfig/cron/v3"
)

const enqueueTimeout = 5 * time.Second

func New(cfg Config, store Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		store:       store,
		parser:      NewParser(),
		baseCtx:     context.Background(),
		now:         time.Now,
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start loads definitions from the store, replays at most one missed tick
// per job type and starts cron triggering.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	if err := s.loadLocked(ctx); err != nil {
		s.c = nil
		s.mu.Unlock()
		return err
	}
	due := s.dueCatchupsLocked(ctx)
	s.c.Start()
	n := len(s.defs)
	s.mu.Unlock()

	for _, d := range due {
		s.log.Info("catching up missed tick",
			logx.String("job_type", d.def.JobType.String()),
			logx.String("schedule_id", d.def.ID),
			logx.Time("due", d.at))
		s.fire(d.def, d.at, "catchup")
	}
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", n), logx.Int("catchups", len(due)))
	return nil
}

// Reload swaps the registered entries for the definitions currently in the
// store. It does not replay missed ticks.
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	for _, d := range s.defs {
		s.c.Remove(d.entryID)
	}
	s.defs = nil
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	s.log.Info("schedules reloaded", logx.Int("schedules", len(s.defs)))
	return nil
}

// ReloadWith holds off cron ticks while apply rewrites the stored
// definitions, then reloads. A tick that was due meanwhile fires afterwards
// only if its definition survived.
func (s *Service) ReloadWith(ctx context.Context, apply func(ctx context.Context) error) error {
	s.gate.Lock()
	defer s.gate.Unlock()
	if err := apply(ctx); err != nil {
		// Whatever apply left in the store is what runs from now on.
		return errors.Join(err, s.Reload(ctx))
	}
	return s.Reload(ctx)
}

func (s *Service) tick(def storage.ScheduleDefinition) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if !s.registered(def.ID) {
		s.log.Debug("tick for removed schedule dropped",
			logx.String("job_type", def.JobType.String()),
			logx.String("schedule_id", def.ID))
		return
	}
	s.fire(def, s.now(), "tick")
}

func (s *Service) registered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.def.ID == id {
			return true
		}
	}
	return false
}

// Stop stops cron triggering. Jobs already enqueued stay in the queue.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.defs = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocked(ctx context.Context) error {
	defs, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, def := range defs {
		sched, err := s.parser.Parse(def.Cron)
		if err != nil {
			return fmt.Errorf("schedule %s (%s): %w", def.ID, def.JobType, err)
		}
		def := def
		id := s.c.Schedule(sched, cron.FuncJob(func() { s.tick(def) }))
		s.defs = append(s.defs, scheduleDef{def: def, sched: sched, entryID: id})
		s.log.Debug("schedule registered",
			logx.String("job_type", def.JobType.String()),
			logx.String("schedule_id", def.ID),
			logx.String("cron", def.Cron))
	}
	return nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// fire enqueues one job for def. A pending job of the same type absorbs
// the firing.
func (s *Service) fire(def storage.ScheduleDefinition, firedAt time.Time, reason string) {
	ctx, cancel := context.WithTimeout(s.baseCtx, enqueueTimeout)
	defer cancel()

	job, err := s.store.Enqueue(ctx, storage.EnqueueRequest{
		JobType:    def.JobType,
		ScheduleID: def.ID,
		FiredAt:    firedAt,
	})
	if err != nil && !errors.Is(err, storage.ErrCoalesced) {
		s.reportEnqueueError(def.JobType.String(), err)
		return
	}
	if werr := s.store.SetWatermark(ctx, def.JobType, firedAt); werr != nil {
		s.log.Warn("watermark update failed", logx.String("job_type", def.JobType.String()), logx.Err(werr))
	}

	ev := eventbus.JobEvent{JobID: job.ID, JobType: def.JobType.String(), ScheduleID: def.ID, Reason: reason}
	if errors.Is(err, storage.ErrCoalesced) {
		s.reportEnqueueError(def.JobType.String(), err)
		eventbus.Publish(s.bus, eventbus.JobCoalesced, ev)
		return
	}
	s.log.Debug("job enqueued",
		logx.String("job_type", def.JobType.String()),
		logx.String("job_id", job.ID),
		logx.String("reason", reason))
	eventbus.Publish(s.bus, eventbus.JobEnqueued, ev)
	if s.wake != nil {
		s.wake()
	}
}
