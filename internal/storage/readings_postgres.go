package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "envwatch/pkg/logx"

	"github.com/jackc/pgx/v5/pgxpool"
)

const pgReadingsSchema = `
CREATE TABLE IF NOT EXISTS weather_readings (
  id          BIGSERIAL PRIMARY KEY,
  temperature DOUBLE PRECISION NOT NULL,
  humidity    DOUBLE PRECISION NOT NULL,
  pressure    DOUBLE PRECISION,
  light       DOUBLE PRECISION,
  recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS pm25_readings (
  id          BIGSERIAL PRIMARY KEY,
  pm25        DOUBLE PRECISION NOT NULL,
  recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS pm25_readings_recorded_at ON pm25_readings(recorded_at);
`

type pgReadings struct {
	pool *pgxpool.Pool
}

func openPostgresReadings(ctx context.Context, cfg ReadingsConfig, log logx.Logger) (ReadingStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, pgReadingsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres readings opened")
	return &pgReadings{pool: pool}, nil
}

func (p *pgReadings) InsertWeather(ctx context.Context, r WeatherReading) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO weather_readings(temperature, humidity, pressure, light, recorded_at) VALUES($1,$2,$3,$4,$5)`,
		r.Temperature, r.Humidity, r.Pressure, r.Light, readingTime(r.At),
	)
	return err
}

func (p *pgReadings) InsertPM25(ctx context.Context, r PM25Reading) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO pm25_readings(pm25, recorded_at) VALUES($1,$2)`,
		r.PM25, readingTime(r.At),
	)
	return err
}

func (p *pgReadings) AvgPM25Since(ctx context.Context, since time.Time) (float64, int, error) {
	var (
		avg *float64
		n   int64
	)
	err := p.pool.QueryRow(ctx,
		`SELECT AVG(pm25), COUNT(*) FROM pm25_readings WHERE recorded_at > $1`, since,
	).Scan(&avg, &n)
	if err != nil {
		return 0, 0, err
	}
	if avg == nil {
		return 0, int(n), nil
	}
	return *avg, int(n), nil
}

func (p *pgReadings) Close() error {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
	return nil
}
