package classify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"envwatch/internal/alert"
)

const baseInstructions = `You classify home environment readings into a severity tier.
Compare the current readings with the change since the previous window.
A change rendered as "not available" has no baseline; judge it from the current value alone.
Reply with JSON only: {"alert":{"color":"green|yellow|orange|red","remarks":"<short explanation>"}}.`

var jobInstructions = map[alert.JobType]string{
	alert.JobWeather: "Focus on temperature, humidity, pressure and light. Rapid warming or a pressure drop raises the tier.",
	alert.JobAQI:     "Focus on particulate matter (PM2.5). Sustained increases raise the tier.",
}

// Instructions returns the system prompt for a job type, with override
// taking precedence when set.
func Instructions(t alert.JobType, override string) string {
	if s := strings.TrimSpace(override); s != "" {
		return s
	}
	if extra, ok := jobInstructions[t]; ok {
		return baseInstructions + "\n" + extra
	}
	return baseInstructions
}

type promptPayload struct {
	JobType    string             `json:"job_type"`
	Topic      string             `json:"topic"`
	ObservedAt time.Time          `json:"observed_at"`
	Current    map[string]float64 `json:"current"`
	Delta      alert.Delta        `json:"delta"`
}

// UserPrompt renders the measurement context sent with each classification.
func UserPrompt(req Request) (string, error) {
	b, err := json.MarshalIndent(promptPayload{
		JobType:    req.JobType.String(),
		Topic:      req.Topic,
		ObservedAt: req.Current.ObservedAt,
		Current:    req.Current.Values,
		Delta:      req.Delta,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return string(b), nil
}
