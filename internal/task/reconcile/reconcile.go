// Package reconcile brings the durable schedule registry in line with the
// configured canonical set. It runs once at startup before any consumer,
// and again when the jobs section of the config changes.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"envwatch/internal/alert"
	"envwatch/internal/storage"
	"envwatch/internal/task/scheduler"
	logx "envwatch/pkg/logx"
)

// Store is the storage surface the reconciler mutates.
type Store interface {
	DefineSchedule(ctx context.Context, jobType alert.JobType, cronExpr string) (storage.ScheduleDefinition, error)
	ListSchedules(ctx context.Context) ([]storage.ScheduleDefinition, error)
	RemoveSchedule(ctx context.Context, id string) error
	List(ctx context.Context, states ...storage.JobState) ([]storage.Job, error)
	Remove(ctx context.Context, id string) error
}

// Definition is one canonical schedule as configured. Schedule accepts any
// form scheduler.Normalize does.
type Definition struct {
	JobType  alert.JobType
	Schedule string
}

type Report struct {
	PurgedJobs []storage.Job                 `json:"purged_jobs"`
	Removed    []storage.ScheduleDefinition `json:"removed"`
	Registered []storage.ScheduleDefinition `json:"registered"`
}

type Reconciler struct {
	store Store
	log   logx.Logger
}

func New(store Store, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{store: store, log: log}
}

// Run replaces whatever schedules exist with defs. Expressions are checked
// before anything is touched; any later failure is returned as is and the
// caller must not start consuming.
func (r *Reconciler) Run(ctx context.Context, defs []Definition) (Report, error) {
	var rep Report
	canonical, err := validate(defs)
	if err != nil {
		return rep, err
	}

	purged, err := r.PurgeAdHoc(ctx)
	rep.PurgedJobs = purged
	if err != nil {
		return rep, err
	}

	existing, err := r.store.ListSchedules(ctx)
	if err != nil {
		return rep, fmt.Errorf("list schedules: %w", err)
	}
	for _, def := range existing {
		if err := r.store.RemoveSchedule(ctx, def.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return rep, fmt.Errorf("remove schedule %s: %w", def.ID, err)
		}
		r.log.Info("schedule removed",
			logx.String("job_type", def.JobType.String()),
			logx.String("schedule_id", def.ID),
			logx.String("cron", def.Cron))
		rep.Removed = append(rep.Removed, def)
	}

	for _, d := range canonical {
		def, err := r.store.DefineSchedule(ctx, d.JobType, d.Schedule)
		if err != nil {
			return rep, fmt.Errorf("define schedule for %s: %w", d.JobType, err)
		}
		r.log.Info("schedule registered",
			logx.String("job_type", def.JobType.String()),
			logx.String("schedule_id", def.ID),
			logx.String("cron", def.Cron))
		rep.Registered = append(rep.Registered, def)
	}

	r.log.Info("schedules reconciled",
		logx.Int("purged_jobs", len(rep.PurgedJobs)),
		logx.Int("removed", len(rep.Removed)),
		logx.Int("registered", len(rep.Registered)))
	return rep, nil
}

// PurgeAdHoc removes waiting and delayed jobs that no schedule produced.
func (r *Reconciler) PurgeAdHoc(ctx context.Context) ([]storage.Job, error) {
	jobs, err := r.store.List(ctx, storage.StateWaiting, storage.StateDelayed)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	var purged []storage.Job
	for _, j := range jobs {
		if j.Recurring() {
			continue
		}
		// A worker may have taken it in the meantime.
		if err := r.store.Remove(ctx, j.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return purged, fmt.Errorf("remove job %s: %w", j.ID, err)
		}
		r.log.Info("ad-hoc job purged",
			logx.String("job_type", j.JobType.String()),
			logx.String("job_id", j.ID),
			logx.String("state", string(j.State)))
		purged = append(purged, j)
	}
	return purged, nil
}

func validate(defs []Definition) ([]Definition, error) {
	seen := make(map[alert.JobType]bool, len(defs))
	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		if !d.JobType.Valid() {
			return nil, fmt.Errorf("invalid job type %q", d.JobType)
		}
		if seen[d.JobType] {
			return nil, fmt.Errorf("job type %s defined more than once", d.JobType)
		}
		seen[d.JobType] = true
		expr, err := scheduler.Normalize(d.Schedule)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", d.JobType, err)
		}
		out = append(out, Definition{JobType: d.JobType, Schedule: expr})
	}
	return out, nil
}
