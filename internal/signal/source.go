// Package signal fetches current measurement vectors from sensor endpoints.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"envwatch/internal/alert"

	"github.com/go-resty/resty/v2"
)

var (
	ErrStatus    = errors.New("signal endpoint returned non-2xx status")
	ErrMalformed = errors.New("malformed signal payload")
)

// DefaultTimeout bounds one fetch when the source has no explicit timeout.
const DefaultTimeout = 2 * time.Second

// Source yields the current signal for one topic.
type Source interface {
	Topic() string
	Fetch(ctx context.Context) (alert.Signal, error)
}

// HTTPSource reads a flat JSON object of numeric fields over HTTP GET.
//
// Fields selects which keys become signal values (all numeric keys when
// empty). Required keys must be present and numeric.
type HTTPSource struct {
	topic    string
	url      string
	fields   []string
	required []string
	client   *resty.Client
	now      func() time.Time
}

type HTTPConfig struct {
	Topic    string
	URL      string
	Fields   []string
	Required []string
	Timeout  time.Duration
}

func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("signal url is required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("signal topic is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSource{
		topic:    topic,
		url:      cfg.URL,
		fields:   cfg.Fields,
		required: cfg.Required,
		client:   resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
		now:      time.Now,
	}, nil
}

func (s *HTTPSource) Topic() string { return s.topic }

func (s *HTTPSource) Fetch(ctx context.Context) (alert.Signal, error) {
	resp, err := s.client.R().SetContext(ctx).Get(s.url)
	if err != nil {
		return alert.Signal{}, fmt.Errorf("fetch %s: %w", s.topic, err)
	}
	if !resp.IsSuccess() {
		return alert.Signal{}, fmt.Errorf("fetch %s: %w: %d", s.topic, ErrStatus, resp.StatusCode())
	}
	values, err := Decode(resp.Body(), s.fields, s.required)
	if err != nil {
		return alert.Signal{}, fmt.Errorf("fetch %s: %w", s.topic, err)
	}
	return alert.Signal{Topic: s.topic, Values: values, ObservedAt: s.now().UTC()}, nil
}

// Decode extracts numeric fields from a JSON object. It is shared with the
// ingest pollers and the push endpoint.
func Decode(body []byte, fields, required []string) (map[string]float64, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	for _, k := range required {
		v, ok := raw[k]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformed, k)
		}
		if _, ok := number(v); !ok {
			return nil, fmt.Errorf("%w: %q is not numeric", ErrMalformed, k)
		}
	}

	keys := fields
	if len(keys) == 0 {
		keys = make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if f, ok := number(v); ok {
			out[k] = f
		}
	}
	return out, nil
}

func number(v json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, false
	}
	return f, true
}
