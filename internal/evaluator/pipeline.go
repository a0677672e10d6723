package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/classify"
	"envwatch/internal/eventbus"
	"envwatch/internal/notify"
	"envwatch/internal/signal"
	logx "envwatch/pkg/logx"
)

// Cache holds the previous evaluation window per topic.
type Cache interface {
	GetSnapshot(ctx context.Context, topic string) (alert.Signal, bool, error)
	PutSnapshot(ctx context.Context, s alert.Signal) error
}

type Publisher interface {
	Publish(ctx context.Context, t alert.JobType, r alert.ClassificationResult) (alert.PublishedAlert, error)
}

type PipelineConfig struct {
	JobType      alert.JobType
	Instructions string
}

// Pipeline is the generic evaluation strategy:
// fetch, delta against the cached window, classify, publish, rotate the
// window, notify. Until Publish succeeds nothing is written.
type Pipeline struct {
	jobType      alert.JobType
	instructions string

	source     signal.Source
	cache      Cache
	classifier classify.Classifier
	state      Publisher
	notifier   notify.Notifier

	log logx.Logger
	bus eventbus.Bus
}

func NewPipeline(cfg PipelineConfig, source signal.Source, cache Cache, classifier classify.Classifier, state Publisher, notifier notify.Notifier, log logx.Logger, bus eventbus.Bus) (*Pipeline, error) {
	if !cfg.JobType.Valid() {
		return nil, fmt.Errorf("invalid job type %q", cfg.JobType)
	}
	if source == nil || cache == nil || classifier == nil || state == nil {
		return nil, errors.New("pipeline needs a source, cache, classifier and state")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		jobType:      cfg.JobType,
		instructions: cfg.Instructions,
		source:       source,
		cache:        cache,
		classifier:   classifier,
		state:        state,
		notifier:     notifier,
		log:          log.With(logx.String("job_type", cfg.JobType.String())),
		bus:          bus,
	}, nil
}

func (p *Pipeline) JobType() alert.JobType { return p.jobType }

func (p *Pipeline) Evaluate(ctx context.Context) (alert.PublishedAlert, error) {
	start := time.Now()

	cur, err := p.source.Fetch(ctx)
	if err != nil {
		return alert.PublishedAlert{}, fmt.Errorf("fetch signal: %w", err)
	}

	var prev *alert.Signal
	cached, ok, err := p.cache.GetSnapshot(ctx, cur.Topic)
	if err != nil {
		return alert.PublishedAlert{}, fmt.Errorf("read previous window: %w", err)
	}
	if ok {
		prev = &cached
	}
	delta := alert.ComputeDelta(prev, cur)

	res, err := p.classifier.Classify(ctx, classify.Request{
		JobType:      p.jobType,
		Topic:        cur.Topic,
		Current:      cur,
		Delta:        delta,
		Instructions: p.instructions,
	})
	if err != nil {
		return alert.PublishedAlert{}, err
	}

	published, err := p.state.Publish(ctx, p.jobType, res)
	if err != nil {
		return alert.PublishedAlert{}, err
	}
	p.log.Info("alert published",
		logx.String("color", string(published.Color)),
		logx.Bool("baseline", delta.Baseline),
		logx.Duration("took", time.Since(start)))
	eventbus.Publish(p.bus, eventbus.AlertPublished, eventbus.AlertEvent{
		JobType: p.jobType.String(),
		Color:   string(published.Color),
		Remark:  published.Remark,
		At:      published.PublishedAt,
	})

	// The alert is committed; a stale window only widens the next delta.
	if err := p.cache.PutSnapshot(ctx, cur); err != nil {
		p.log.Warn("window rotation failed", logx.String("topic", cur.Topic), logx.Err(err))
	}
	if p.notifier != nil {
		p.notifier.Deliver(ctx, published)
	}
	return published, nil
}

var _ Evaluator = (*Pipeline)(nil)
