package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"envwatch/internal/alert"
	logx "envwatch/pkg/logx"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 20 * time.Second
)

var ErrAPIKeyNotSet = errors.New("classifier api key not set")

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature *float64
	MaxRemark   int
}

// OpenAI classifies through the chat completions API with a strict JSON
// schema response format. Transport retries are disabled: a failed call
// fails the evaluation and the next scheduled firing tries again.
type OpenAI struct {
	client  openai.Client
	model   string
	timeout time.Duration
	temp    *float64
	schema  *ResponseSchema
	wire    map[string]any
	log     logx.Logger
}

func NewOpenAI(cfg OpenAIConfig, log logx.Logger) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrAPIKeyNotSet
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	schema, err := NewResponseSchema(cfg.MaxRemark)
	if err != nil {
		return nil, err
	}
	wire, err := schema.Wire()
	if err != nil {
		return nil, fmt.Errorf("encode response schema: %w", err)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenAI{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
		temp:    cfg.Temperature,
		schema:  schema,
		wire:    wire,
		log:     log,
	}, nil
}

func (c *OpenAI) Model() string { return c.model }

func (c *OpenAI) Classify(ctx context.Context, req Request) (alert.ClassificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt, err := UserPrompt(req)
	if err != nil {
		return alert.ClassificationResult{}, err
	}
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(Instructions(req.JobType, req.Instructions)),
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "alert_classification",
					Strict: openai.Bool(true),
					Schema: c.wire,
				},
			},
		},
	}
	if c.temp != nil {
		params.Temperature = openai.Float(*c.temp)
	}

	start := time.Now()
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return alert.ClassificationResult{}, fmt.Errorf("classify %s: api status %d: %w", req.JobType, apiErr.StatusCode, err)
		}
		return alert.ClassificationResult{}, fmt.Errorf("classify %s: %w", req.JobType, err)
	}
	if len(completion.Choices) == 0 {
		return alert.ClassificationResult{}, fmt.Errorf("classify %s: %w: no choices returned", req.JobType, ErrSchema)
	}

	content := completion.Choices[0].Message.Content
	res, err := c.schema.Parse([]byte(content))
	if err != nil {
		c.log.Debug("classifier reply rejected", logx.String("job_type", req.JobType.String()), logx.String("content", content))
		return alert.ClassificationResult{}, fmt.Errorf("classify %s: %w", req.JobType, err)
	}
	c.log.Debug("classified",
		logx.String("job_type", req.JobType.String()),
		logx.String("color", string(res.Color)),
		logx.Duration("took", time.Since(start)))
	return res, nil
}

var _ Classifier = (*OpenAI)(nil)
