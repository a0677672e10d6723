// Package ingest collects raw sensor readings into the readings store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"envwatch/internal/storage"
)

// Recognised measurement keys.
const (
	FieldTemp     = "temp_c"
	FieldHumidity = "humidity_pct"
	FieldPressure = "pressure_hpa"
	FieldLight    = "light_lux"
	FieldPM25     = "pm25"
)

// WeatherFields are the keys a weather reading is built from. The first two
// are mandatory.
var WeatherFields = []string{FieldTemp, FieldHumidity, FieldPressure, FieldLight}

// ErrNoReadings means a payload had no recognised measurement group.
var ErrNoReadings = errors.New("no recognised readings in payload")

// Writer is the part of the readings store ingestion writes to.
type Writer interface {
	InsertWeather(ctx context.Context, r storage.WeatherReading) error
	InsertPM25(ctx context.Context, r storage.PM25Reading) error
}

// Record stores every complete measurement group found in values: a weather
// reading when temp_c and humidity_pct are present, a PM2.5 reading when
// pm25 is present. It returns how many readings were written.
func Record(ctx context.Context, w Writer, values map[string]float64, at time.Time) (int, error) {
	n := 0
	temp, okT := values[FieldTemp]
	hum, okH := values[FieldHumidity]
	if okT && okH {
		r := storage.WeatherReading{Temperature: temp, Humidity: hum, At: at}
		if v, ok := values[FieldPressure]; ok {
			r.Pressure = &v
		}
		if v, ok := values[FieldLight]; ok {
			r.Light = &v
		}
		if err := w.InsertWeather(ctx, r); err != nil {
			return n, fmt.Errorf("insert weather reading: %w", err)
		}
		n++
	}
	if v, ok := values[FieldPM25]; ok {
		if err := w.InsertPM25(ctx, storage.PM25Reading{PM25: v, At: at}); err != nil {
			return n, fmt.Errorf("insert pm25 reading: %w", err)
		}
		n++
	}
	if n == 0 {
		return 0, ErrNoReadings
	}
	return n, nil
}
