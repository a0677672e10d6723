package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"envwatch/internal/alert"

	"github.com/go-resty/resty/v2"
)

var ErrWebhookStatus = errors.New("webhook returned non-2xx status")

type WebhookConfig struct {
	Name    string
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// Webhook POSTs {"alert": "<color>"} to a fixed URL.
type Webhook struct {
	name   string
	url    string
	client *resty.Client
}

func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "webhook"
	}
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if len(cfg.Headers) > 0 {
		c.SetHeaders(cfg.Headers)
	}
	return &Webhook{name: name, url: cfg.URL, client: c}, nil
}

func (w *Webhook) Name() string { return w.name }

func (w *Webhook) Notify(ctx context.Context, a alert.PublishedAlert) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"alert": string(a.Color)}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("%s: %w", w.name, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%s: %w: %d", w.name, ErrWebhookStatus, resp.StatusCode())
	}
	return nil
}
