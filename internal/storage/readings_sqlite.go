package storage

import (
	"context"
	"database/sql"
	"time"

	logx "envwatch/pkg/logx"
)

type sqliteReadings struct {
	db *sql.DB
}

func openSQLiteReadings(ctx context.Context, cfg ReadingsConfig, log logx.Logger) (ReadingStore, error) {
	db, err := openSQLiteDB(ctx, cfg.Path, 0, "readings.sql")
	if err != nil {
		return nil, err
	}
	log.Debug("sqlite readings opened", logx.String("path", cfg.Path))
	return &sqliteReadings{db: db}, nil
}

func (s *sqliteReadings) InsertWeather(ctx context.Context, r WeatherReading) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO weather_readings(temperature, humidity, pressure, light, recorded_at) VALUES(?,?,?,?,?)`,
		r.Temperature, r.Humidity, nullFloat(r.Pressure), nullFloat(r.Light), readingTime(r.At).UnixMilli(),
	)
	return err
}

func (s *sqliteReadings) InsertPM25(ctx context.Context, r PM25Reading) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pm25_readings(pm25, recorded_at) VALUES(?,?)`,
		r.PM25, readingTime(r.At).UnixMilli(),
	)
	return err
}

func (s *sqliteReadings) AvgPM25Since(ctx context.Context, since time.Time) (float64, int, error) {
	var (
		avg sql.NullFloat64
		n   int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(pm25), COUNT(*) FROM pm25_readings WHERE recorded_at > ?`, since.UnixMilli(),
	).Scan(&avg, &n)
	if err != nil {
		return 0, 0, err
	}
	return avg.Float64, n, nil
}

func (s *sqliteReadings) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func readingTime(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now()
	}
	return at
}
