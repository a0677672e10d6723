// Package evaluator runs one alert evaluation per dequeued job.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"envwatch/internal/alert"
	"envwatch/internal/storage"
)

var ErrUnknownJobType = errors.New("no evaluator registered for job type")

// Evaluator produces and publishes the alert of one job type.
type Evaluator interface {
	JobType() alert.JobType
	Evaluate(ctx context.Context) (alert.PublishedAlert, error)
}

// Registry maps job types to evaluators. It is the engine's dispatcher.
type Registry struct {
	mu sync.RWMutex
	m  map[alert.JobType]Evaluator
}

func NewRegistry() *Registry {
	return &Registry{m: map[alert.JobType]Evaluator{}}
}

func (r *Registry) Register(e Evaluator) error {
	if e == nil {
		return errors.New("nil evaluator")
	}
	t := e.JobType()
	if !t.Valid() {
		return fmt.Errorf("invalid job type %q", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[t]; dup {
		return fmt.Errorf("evaluator for %s already registered", t)
	}
	r.m[t] = e
	return nil
}

// Replace swaps the evaluator of a job type, registering it if absent.
func (r *Registry) Replace(e Evaluator) {
	r.mu.Lock()
	r.m[e.JobType()] = e
	r.mu.Unlock()
}

func (r *Registry) Lookup(t alert.JobType) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.m[t]
	return e, ok
}

func (r *Registry) JobTypes() []alert.JobType {
	r.mu.RLock()
	out := make([]alert.JobType, 0, len(r.m))
	for t := range r.m {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch runs the evaluator of job's type.
func (r *Registry) Dispatch(ctx context.Context, job storage.Job) error {
	e, ok := r.Lookup(job.JobType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, job.JobType)
	}
	_, err := e.Evaluate(ctx)
	return err
}
