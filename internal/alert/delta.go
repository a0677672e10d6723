package alert

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// NotAvailable is how an undefined delta component is rendered to the classifier.
const NotAvailable = "not available"

// FieldDelta is the change of one measured field between the previous
// evaluation window and the current signal. Absolute is nil when there is no
// baseline; Percent is nil when there is no baseline or the baseline is zero.
type FieldDelta struct {
	Field    string
	Previous *float64
	Current  float64
	Absolute *float64
	Percent  *float64
}

func (d FieldDelta) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"field":    d.Field,
		"current":  d.Current,
		"previous": orNotAvailable(d.Previous),
		"absolute": orNotAvailable(d.Absolute),
		"percent":  orNotAvailable(d.Percent),
	}
	return json.Marshal(out)
}

func orNotAvailable(v *float64) any {
	if v == nil {
		return NotAvailable
	}
	return *v
}

// Delta summarizes the change between two windows of the same topic.
type Delta struct {
	Topic      string       `json:"topic"`
	Baseline   bool         `json:"baseline"`
	BaselineAt *time.Time   `json:"baseline_at,omitempty"`
	Fields     []FieldDelta `json:"fields"`
}

// Field returns the delta for the named field.
func (d Delta) Field(name string) (FieldDelta, bool) {
	for _, f := range d.Fields {
		if f.Field == name {
			return f, true
		}
	}
	return FieldDelta{}, false
}

// ComputeDelta compares cur against prev field by field. prev may be nil
// (never evaluated); a field missing from prev has no baseline either.
// Fields are returned sorted by name so prompts are stable.
func ComputeDelta(prev *Signal, cur Signal) Delta {
	d := Delta{Topic: cur.Topic}
	if prev != nil && len(prev.Values) > 0 {
		d.Baseline = true
		at := prev.ObservedAt
		if !at.IsZero() {
			d.BaselineAt = &at
		}
	}

	names := make([]string, 0, len(cur.Values))
	for k := range cur.Values {
		names = append(names, k)
	}
	sort.Strings(names)

	d.Fields = make([]FieldDelta, 0, len(names))
	for _, name := range names {
		fd := FieldDelta{Field: name, Current: cur.Values[name]}
		if prev != nil {
			if p, ok := prev.Value(name); ok {
				prevV := p
				abs := round(fd.Current-prevV, 4)
				fd.Previous = &prevV
				fd.Absolute = &abs
				if prevV != 0 {
					pct := round((fd.Current-prevV)/math.Abs(prevV)*100, 4)
					fd.Percent = &pct
				}
			}
		}
		d.Fields = append(d.Fields, fd)
	}
	return d
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
