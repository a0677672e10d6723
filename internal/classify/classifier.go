// Package classify turns a signal delta into a severity tier and remark.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"envwatch/internal/alert"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrSchema marks a classifier response that does not match the response schema.
var ErrSchema = errors.New("classifier response does not match schema")

// Request is the input of one classification.
type Request struct {
	JobType alert.JobType
	Topic   string
	Current alert.Signal
	Delta   alert.Delta
	// Instructions is the job type's system prompt. Empty uses the default.
	Instructions string
}

type Classifier interface {
	Classify(ctx context.Context, req Request) (alert.ClassificationResult, error)
}

// Func adapts a plain function to Classifier.
type Func func(ctx context.Context, req Request) (alert.ClassificationResult, error)

func (f Func) Classify(ctx context.Context, req Request) (alert.ClassificationResult, error) {
	return f(ctx, req)
}

// ResponseSchema is the expected shape of a classifier reply:
//
//	{"alert": {"color": "green|yellow|orange|red", "remarks": "..."}}
//
// It is resolved once and reused for every response.
type ResponseSchema struct {
	schema    *jsonschema.Schema
	resolved  *jsonschema.Resolved
	maxRemark int
}

func NewResponseSchema(maxRemark int) (*ResponseSchema, error) {
	if maxRemark <= 0 {
		maxRemark = alert.DefaultRemarkMaxLen
	}
	colors := make([]any, 0, len(alert.Colors))
	for _, c := range alert.Colors {
		colors = append(colors, string(c))
	}
	maxLen := maxRemark
	inner := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"color":   {Type: "string", Enum: colors},
			"remarks": {Type: "string", MaxLength: &maxLen},
		},
		Required:             []string{"color", "remarks"},
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
	schema := &jsonschema.Schema{
		Type:                 "object",
		Properties:           map[string]*jsonschema.Schema{"alert": inner},
		Required:             []string{"alert"},
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
	if err != nil {
		return nil, fmt.Errorf("resolve response schema: %w", err)
	}
	return &ResponseSchema{schema: schema, resolved: resolved, maxRemark: maxRemark}, nil
}

func (s *ResponseSchema) MaxRemark() int { return s.maxRemark }

// Wire returns the schema as a plain JSON object for providers that take
// the schema inline. Closed objects are spelled additionalProperties=false.
func (s *ResponseSchema) Wire() (map[string]any, error) {
	b, err := json.Marshal(s.schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	closeObjects(out)
	return out, nil
}

func closeObjects(node map[string]any) {
	if node["type"] == "object" {
		node["additionalProperties"] = false
	}
	props, _ := node["properties"].(map[string]any)
	for _, p := range props {
		if child, ok := p.(map[string]any); ok {
			closeObjects(child)
		}
	}
}

type response struct {
	Alert struct {
		Color   string `json:"color"`
		Remarks string `json:"remarks"`
	} `json:"alert"`
}

// Parse validates content against the schema and converts it.
func (s *ResponseSchema) Parse(content []byte) (alert.ClassificationResult, error) {
	var instance any
	if err := json.Unmarshal(content, &instance); err != nil {
		return alert.ClassificationResult{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := s.resolved.Validate(instance); err != nil {
		return alert.ClassificationResult{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	var r response
	if err := json.Unmarshal(content, &r); err != nil {
		return alert.ClassificationResult{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	out := alert.ClassificationResult{Color: alert.Color(r.Alert.Color), Remark: r.Alert.Remarks}
	if err := out.Validate(s.maxRemark); err != nil {
		return alert.ClassificationResult{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return out, nil
}
