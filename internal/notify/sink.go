package notify

import (
	"context"

	"envwatch/internal/alert"
)

// Sink receives one published alert.
type Sink interface {
	Name() string
	Notify(ctx context.Context, a alert.PublishedAlert) error
}

// Notifier is what evaluators depend on. Deliver never fails.
type Notifier interface {
	Deliver(ctx context.Context, a alert.PublishedAlert)
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	ID string
	Fn func(ctx context.Context, a alert.PublishedAlert) error
}

func (s SinkFunc) Name() string { return s.ID }

func (s SinkFunc) Notify(ctx context.Context, a alert.PublishedAlert) error { return s.Fn(ctx, a) }
