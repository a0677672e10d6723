package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "envwatch/pkg/logx"
)

// Store persists the current alert per job type.
type Store interface {
	PutAlert(ctx context.Context, a PublishedAlert) error
	GetAlert(ctx context.Context, jobType JobType) (PublishedAlert, bool, error)
}

const defaultRemark = "All systems operational"

var builtinDefaults = map[JobType]ClassificationResult{
	JobWeather: {Color: Green, Remark: defaultRemark},
	JobAQI:     {Color: Green, Remark: "Air quality normal"},
}

// DefaultFor returns the presentation used for a job type that was never
// evaluated.
func DefaultFor(t JobType) ClassificationResult {
	if d, ok := builtinDefaults[t]; ok {
		return d
	}
	return ClassificationResult{Color: Green, Remark: defaultRemark}
}

// View is the read-boundary presentation of a job type's alert. Evaluated is
// false when Color/Remark come from the default rather than storage.
type View struct {
	JobType     JobType    `json:"job_type"`
	Color       Color      `json:"color"`
	Remark      string     `json:"remark"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Evaluated   bool       `json:"evaluated"`
}

// State is the published alert store. Writers are serialized per job type by
// the engine, so no locking happens here.
type State struct {
	store     Store
	defaults  map[JobType]ClassificationResult
	maxRemark int
	log       logx.Logger
	now       func() time.Time
}

type StateOption func(*State)

// WithDefault overrides the absent-value presentation of a job type.
func WithDefault(t JobType, r ClassificationResult) StateOption {
	return func(s *State) { s.defaults[t] = r }
}

func WithRemarkLimit(n int) StateOption { return func(s *State) { s.maxRemark = n } }

func WithLogger(log logx.Logger) StateOption { return func(s *State) { s.log = log } }

func WithClock(now func() time.Time) StateOption { return func(s *State) { s.now = now } }

func NewState(store Store, opts ...StateOption) *State {
	s := &State{
		store:     store,
		defaults:  map[JobType]ClassificationResult{},
		maxRemark: DefaultRemarkMaxLen,
		log:       logx.Nop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Publish overwrites the current alert for t.
func (s *State) Publish(ctx context.Context, t JobType, r ClassificationResult) (PublishedAlert, error) {
	if !t.Valid() {
		return PublishedAlert{}, fmt.Errorf("publish: invalid job type %q", t)
	}
	if err := r.Validate(s.maxRemark); err != nil {
		return PublishedAlert{}, fmt.Errorf("publish %s: %w", t, err)
	}
	a := PublishedAlert{JobType: t, Color: r.Color, Remark: r.Remark, PublishedAt: s.now().UTC()}
	if err := s.store.PutAlert(ctx, a); err != nil {
		return PublishedAlert{}, fmt.Errorf("publish %s: %w", t, err)
	}
	return a, nil
}

// Read returns the stored alert; ok is false if t was never published.
func (s *State) Read(ctx context.Context, t JobType) (PublishedAlert, bool, error) {
	return s.store.GetAlert(ctx, t)
}

// View never fails: a missing value or a storage error yields the default.
func (s *State) View(ctx context.Context, t JobType) View {
	a, ok, err := s.store.GetAlert(ctx, t)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("alert read failed; serving default", logx.String("job_type", t.String()), logx.Err(err))
	}
	if err != nil || !ok {
		d := s.defaultFor(t)
		return View{JobType: t, Color: d.Color, Remark: d.Remark}
	}
	at := a.PublishedAt
	return View{JobType: t, Color: a.Color, Remark: a.Remark, PublishedAt: &at, Evaluated: true}
}

func (s *State) defaultFor(t JobType) ClassificationResult {
	if d, ok := s.defaults[t]; ok {
		return d
	}
	return DefaultFor(t)
}
