package alert

import (
	"fmt"
	"strings"
	"time"
)

// JobType names a recurring evaluation category. Each job type has its own
// cadence, evaluator and published alert.
type JobType string

const (
	JobWeather JobType = "WeatherIndex"
	JobAQI     JobType = "AQIIndex"
)

func (t JobType) String() string { return string(t) }

// Valid reports whether t is usable as a key (non-empty, no whitespace).
func (t JobType) Valid() bool {
	s := string(t)
	return s != "" && !strings.ContainsAny(s, " \t\r\n")
}

// Color is the severity tier returned by the classifier.
type Color string

const (
	Green  Color = "green"
	Yellow Color = "yellow"
	Orange Color = "orange"
	Red    Color = "red"
)

// Colors lists the tiers in increasing severity.
var Colors = []Color{Green, Yellow, Orange, Red}

func (c Color) Valid() bool {
	switch c {
	case Green, Yellow, Orange, Red:
		return true
	}
	return false
}

// ParseColor accepts any casing and surrounding whitespace.
func ParseColor(s string) (Color, error) {
	c := Color(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("invalid color %q", s)
	}
	return c, nil
}

// DefaultRemarkMaxLen bounds classifier remarks when the config leaves it unset.
const DefaultRemarkMaxLen = 280

// ClassificationResult is what the classifier returns for one evaluation.
type ClassificationResult struct {
	Color  Color  `json:"color"`
	Remark string `json:"remark"`
}

// Validate checks the color tier and the remark length (in runes).
func (r ClassificationResult) Validate(maxRemark int) error {
	if !r.Color.Valid() {
		return fmt.Errorf("invalid color %q", r.Color)
	}
	if maxRemark > 0 && len([]rune(r.Remark)) > maxRemark {
		return fmt.Errorf("remark exceeds %d characters", maxRemark)
	}
	return nil
}

// PublishedAlert is the single current result exposed for a job type.
type PublishedAlert struct {
	JobType     JobType   `json:"job_type"`
	Color       Color     `json:"color"`
	Remark      string    `json:"remark"`
	PublishedAt time.Time `json:"published_at"`
}

// Signal is one externally observed measurement vector for a topic.
type Signal struct {
	Topic      string             `json:"topic"`
	Values     map[string]float64 `json:"values"`
	ObservedAt time.Time          `json:"observed_at"`
}

// Value returns the named measurement.
func (s Signal) Value(field string) (float64, bool) {
	if s.Values == nil {
		return 0, false
	}
	v, ok := s.Values[field]
	return v, ok
}
