package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"envwatch/internal/alert"
	"envwatch/internal/task/scheduler"

	"github.com/robfig/cron/v3"
)

// Validate checks the whole config and reports every problem found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "redis":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Readings.Driver)) {
	case "", "none", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Readings.DSNEnv) == "" {
			add(errors.New("readings.dsn_env: required for postgres"))
		}
	default:
		add(fmt.Errorf("readings.driver: unknown driver %q", cfg.Readings.Driver))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	dur("scheduler.catchup_window", cfg.Scheduler.CatchupWindow)

	if cfg.Engine.Workers < 0 {
		add(errors.New("engine.workers: must be >= 0"))
	}
	dur("engine.poll_interval", cfg.Engine.PollInterval)
	dur("engine.default_timeout", cfg.Engine.DefaultTimeout)
	dur("engine.reap_every", cfg.Engine.ReapEvery)

	switch strings.ToLower(strings.TrimSpace(cfg.Classifier.Provider)) {
	case "", "openai":
	default:
		add(fmt.Errorf("classifier.provider: unknown provider %q", cfg.Classifier.Provider))
	}
	dur("classifier.timeout", cfg.Classifier.Timeout)
	if cfg.Classifier.RemarkMaxLen < 0 {
		add(errors.New("classifier.remark_max_len: must be >= 0"))
	}

	sinks := map[string]bool{}
	dur("notify.timeout", cfg.Notify.Timeout)
	dur("notify.retry_base", cfg.Notify.RetryBase)
	dur("notify.retry_max_delay", cfg.Notify.RetryMaxDelay)
	for i, w := range cfg.Notify.Webhooks {
		path := fmt.Sprintf("notify.webhooks[%d]", i)
		name := strings.TrimSpace(w.Name)
		switch {
		case name == "":
			add(fmt.Errorf("%s.name: required", path))
		case sinks[name] || name == "telegram":
			add(fmt.Errorf("%s.name: duplicate sink %q", path, name))
		}
		sinks[name] = true
		if strings.TrimSpace(w.URL) == "" {
			add(fmt.Errorf("%s.url: required", path))
		}
		dur(path+".timeout", w.Timeout)
	}
	if tg := cfg.Notify.Telegram; tg != nil && tg.Enabled {
		sinks["telegram"] = true
		if tg.ChatID == 0 {
			add(errors.New("notify.telegram.chat_id: required"))
		}
		dur("notify.telegram.timeout", tg.Timeout)
	}

	seen := map[alert.JobType]bool{}
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		t := alert.JobType(strings.TrimSpace(j.Type))
		if !t.Valid() {
			add(fmt.Errorf("%s.type: invalid job type %q", path, j.Type))
		} else if seen[t] {
			add(fmt.Errorf("%s.type: duplicate job type %q", path, t))
		}
		seen[t] = true
		if _, err := scheduler.Normalize(j.Schedule); err != nil {
			add(fmt.Errorf("%s.schedule: %w", path, err))
		}
		dur(path+".timeout", j.Timeout)
		if strings.TrimSpace(j.Signal.URL) == "" {
			add(fmt.Errorf("%s.signal.url: required", path))
		}
		if strings.TrimSpace(j.Signal.Topic) == "" {
			add(fmt.Errorf("%s.signal.topic: required", path))
		}
		dur(path+".signal.timeout", j.Signal.Timeout)
		for _, n := range j.Notify {
			if !sinks[n] {
				add(fmt.Errorf("%s.notify: unknown sink %q", path, n))
			}
		}
	}

	dur("http.read_header_timeout", cfg.HTTP.ReadHeaderTimeout)

	if tz := strings.TrimSpace(cfg.Ingest.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("ingest.timezone: %w", err))
		}
	}
	for name, p := range map[string]PollerConfig{"weather": cfg.Ingest.Weather, "pm25": cfg.Ingest.PM25} {
		if strings.TrimSpace(p.URL) == "" {
			continue
		}
		if strings.TrimSpace(p.Cron) != "" {
			if _, err := cron.ParseStandard(p.Cron); err != nil {
				add(fmt.Errorf("ingest.%s.cron: %w", name, err))
			}
		}
		dur("ingest."+name+".timeout", p.Timeout)
	}
	if (cfg.Ingest.Weather.URL != "" || cfg.Ingest.PM25.URL != "") && !readingsEnabled(cfg.Readings) {
		add(errors.New("ingest: pollers need readings.driver"))
	}

	return errors.Join(errs...)
}

func readingsEnabled(r ReadingsConfig) bool {
	d := strings.ToLower(strings.TrimSpace(r.Driver))
	return d != "" && d != "none"
}

// Secret reads an environment variable named by the config, falling back
// to def when name is empty.
func Secret(name, def string) string {
	if strings.TrimSpace(name) == "" {
		name = def
	}
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}
