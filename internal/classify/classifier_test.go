package classify

import (
	"strings"
	"testing"
	"time"

	"envwatch/internal/alert"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseSchemaParse(t *testing.T) {
	t.Parallel()
	s, err := NewResponseSchema(20)
	require.NoError(t, err)

	tests := []struct {
		name    string
		body    string
		want    alert.ClassificationResult
		wantErr bool
	}{
		{name: "valid", body: `{"alert":{"color":"orange","remarks":"Rapid warming"}}`, want: alert.ClassificationResult{Color: alert.Orange, Remark: "Rapid warming"}},
		{name: "unknown color", body: `{"alert":{"color":"purple","remarks":"x"}}`, wantErr: true},
		{name: "uppercase color", body: `{"alert":{"color":"RED","remarks":"x"}}`, wantErr: true},
		{name: "missing remarks", body: `{"alert":{"color":"red"}}`, wantErr: true},
		{name: "remark too long", body: `{"alert":{"color":"red","remarks":"` + strings.Repeat("a", 21) + `"}}`, wantErr: true},
		{name: "extra field", body: `{"alert":{"color":"red","remarks":"x","score":3}}`, wantErr: true},
		{name: "not json", body: `red alert`, wantErr: true},
		{name: "wrong root", body: `["red"]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Parse([]byte(tt.body))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrSchema)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResponseSchemaWireIsClosed(t *testing.T) {
	t.Parallel()
	s, err := NewResponseSchema(0)
	require.NoError(t, err)
	assert.Equal(t, alert.DefaultRemarkMaxLen, s.MaxRemark())

	w, err := s.Wire()
	require.NoError(t, err)
	assert.Equal(t, false, w["additionalProperties"])
	inner := w["properties"].(map[string]any)["alert"].(map[string]any)
	assert.Equal(t, false, inner["additionalProperties"])
	assert.ElementsMatch(t, []any{"color", "remarks"}, inner["required"])
}

func TestInstructions(t *testing.T) {
	t.Parallel()
	assert.Contains(t, Instructions(alert.JobAQI, ""), "PM2.5")
	assert.Contains(t, Instructions(alert.JobWeather, ""), "pressure")
	assert.Equal(t, "custom", Instructions(alert.JobAQI, "  custom "))
	assert.Equal(t, baseInstructions, Instructions("Other", ""))
}

func TestUserPromptRendersMissingBaseline(t *testing.T) {
	t.Parallel()
	cur := alert.Signal{Topic: "weather", Values: map[string]float64{"temp_c": 30}, ObservedAt: time.Unix(0, 0).UTC()}
	p, err := UserPrompt(Request{JobType: alert.JobWeather, Topic: "weather", Current: cur, Delta: alert.ComputeDelta(nil, cur)})
	require.NoError(t, err)
	assert.Contains(t, p, `"job_type": "WeatherIndex"`)
	assert.Contains(t, p, alert.NotAvailable)
}
