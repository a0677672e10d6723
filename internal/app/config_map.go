package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/classify"
	"envwatch/internal/config"
	"envwatch/internal/httpapi"
	"envwatch/internal/ingest"
	"envwatch/internal/notify"
	"envwatch/internal/signal"
	"envwatch/internal/storage"
	"envwatch/internal/task/engine"
	"envwatch/internal/task/reconcile"
	"envwatch/internal/task/scheduler"
	logx "envwatch/pkg/logx"
)

// The map* helpers run on validated configs, so duration parse errors fall
// back to defaults instead of being reported again.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./envwatch.db"
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: config.Duration(sc.BusyTimeout, time.Second),
		Redis: storage.RedisConfig{
			URL:      sc.Redis.URL,
			Addr:     sc.Redis.Addr,
			Username: sc.Redis.Username,
			Password: config.Secret(sc.Redis.PasswordEnv, ""),
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		},
	}
}

func mapReadingsConfig(cfg *config.Config) storage.ReadingsConfig {
	rc := cfg.Readings
	path := strings.TrimSpace(rc.Path)
	if path == "" {
		path = "./readings.db"
	}
	return storage.ReadingsConfig{
		Driver: rc.Driver,
		Path:   path,
		DSN:    config.Secret(rc.DSNEnv, ""),
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Timezone:      cfg.Scheduler.Timezone,
		CatchupWindow: config.Duration(cfg.Scheduler.CatchupWindow, 24*time.Hour),
	}
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	ec := cfg.Engine
	out := engine.Config{
		Workers:        ec.Workers,
		PollInterval:   config.Duration(ec.PollInterval, 0),
		DefaultTimeout: config.Duration(ec.DefaultTimeout, 0),
		ReapEvery:      config.Duration(ec.ReapEvery, 0),
		HistorySize:    ec.HistorySize,
		Timeouts:       map[alert.JobType]time.Duration{},
	}
	for _, j := range cfg.Jobs {
		if d := config.Duration(j.Timeout, 0); d > 0 {
			out.Timeouts[alert.JobType(strings.TrimSpace(j.Type))] = d
		}
	}
	return out
}

func mapClassifierConfig(cfg *config.Config) classify.OpenAIConfig {
	cc := cfg.Classifier
	return classify.OpenAIConfig{
		APIKey:      config.Secret(cc.APIKeyEnv, config.DefaultAPIKeyEnv),
		BaseURL:     cc.BaseURL,
		Model:       cc.Model,
		Timeout:     config.Duration(cc.Timeout, classify.DefaultTimeout),
		Temperature: cc.Temperature,
		MaxRemark:   cc.RemarkMaxLen,
	}
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	nc := cfg.Notify
	return notify.Config{
		RatePerSec:    nc.RatePerSec,
		Timeout:       config.Duration(nc.Timeout, 0),
		RetryMax:      nc.RetryMax,
		RetryBase:     config.Duration(nc.RetryBase, 0),
		RetryMaxDelay: config.Duration(nc.RetryMaxDelay, 0),
	}
}

// buildSinks creates the configured sinks in a stable order: webhooks as
// listed, then telegram.
func buildSinks(cfg *config.Config) ([]notify.Sink, error) {
	var sinks []notify.Sink
	for _, w := range cfg.Notify.Webhooks {
		wh, err := notify.NewWebhook(notify.WebhookConfig{
			Name:    w.Name,
			URL:     w.URL,
			Timeout: config.Duration(w.Timeout, 0),
			Headers: w.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("notify.webhooks %q: %w", w.Name, err)
		}
		sinks = append(sinks, wh)
	}
	if tg := cfg.Notify.Telegram; tg != nil && tg.Enabled {
		t, err := notify.NewTelegram(notify.TelegramConfig{
			Token:    config.Secret(tg.TokenEnv, config.DefaultTelegramTokenEnv),
			ChatID:   tg.ChatID,
			ThreadID: tg.ThreadID,
			Timeout:  config.Duration(tg.Timeout, 0),
		})
		if err != nil {
			return nil, fmt.Errorf("notify.telegram: %w", err)
		}
		sinks = append(sinks, t)
	}
	return sinks, nil
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Addr:              cfg.HTTP.Addr,
		AllowOrigin:       cfg.HTTP.AllowOrigin,
		ReadHeaderTimeout: config.Duration(cfg.HTTP.ReadHeaderTimeout, 0),
		Pprof:             cfg.HTTP.Pprof,
	}
}

func mapIngestConfig(cfg *config.Config) ingest.Config {
	poller := func(p config.PollerConfig) ingest.PollerConfig {
		return ingest.PollerConfig{URL: p.URL, Cron: p.Cron, Timeout: config.Duration(p.Timeout, 0)}
	}
	tz := cfg.Ingest.Timezone
	if tz == "" {
		tz = cfg.Scheduler.Timezone
	}
	return ingest.Config{
		Timezone: tz,
		Weather:  poller(cfg.Ingest.Weather),
		PM25:     poller(cfg.Ingest.PM25),
	}
}

func mapSignalConfig(j config.JobConfig) signal.HTTPConfig {
	return signal.HTTPConfig{
		Topic:    j.Signal.Topic,
		URL:      j.Signal.URL,
		Fields:   j.Signal.Fields,
		Required: j.Signal.Required,
		Timeout:  config.Duration(j.Signal.Timeout, 0),
	}
}

// jobDefinitions is the canonical schedule set handed to the reconciler.
func jobDefinitions(cfg *config.Config) []reconcile.Definition {
	out := make([]reconcile.Definition, 0, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		out = append(out, reconcile.Definition{
			JobType:  alert.JobType(strings.TrimSpace(j.Type)),
			Schedule: j.Schedule,
		})
	}
	return out
}

// OpenStore opens the pipeline store named by cfg for offline commands.
func OpenStore(ctx context.Context, cfg *config.Config, log logx.Logger) (storage.Store, error) {
	return storage.Open(ctx, mapStorageConfig(cfg), log)
}

// Reconcile runs the schedule reconciler once against st.
func Reconcile(ctx context.Context, st storage.Store, cfg *config.Config, log logx.Logger) (reconcile.Report, error) {
	return reconcile.New(st, log).Run(ctx, jobDefinitions(cfg))
}
