package config

// Config is the whole process configuration. All durations are Go duration
// strings ("500ms", "30s", "24h"). Secrets are never stored here; they are
// read from the environment variables the config names.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Readings   ReadingsConfig   `json:"readings,omitempty"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Engine     EngineConfig     `json:"engine"`
	Jobs       []JobConfig      `json:"jobs"`
	Classifier ClassifierConfig `json:"classifier"`
	Notify     NotifyConfig     `json:"notify,omitempty"`
	HTTP       HTTPConfig       `json:"http"`
	Ingest     IngestConfig     `json:"ingest,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the durable pipeline state backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./envwatch.db" }
//	"storage": { "driver": "redis", "redis": { "addr": "127.0.0.1:6379", "prefix": "envwatch" } }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"`
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	URL      string `json:"url,omitempty"`
	Addr     string `json:"addr,omitempty"`
	Username string `json:"username,omitempty"`
	// PasswordEnv names the environment variable holding the password.
	PasswordEnv string `json:"password_env,omitempty"`
	DB          int    `json:"db,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
}

// ReadingsConfig selects the sensor readings store. Driver "" disables it.
type ReadingsConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
	// DSNEnv names the environment variable holding the postgres DSN.
	DSNEnv string `json:"dsn_env,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
	// CatchupWindow bounds how old a missed tick may be and still be
	// replayed at startup. Default "24h".
	CatchupWindow string `json:"catchup_window,omitempty"`
}

// EngineConfig controls the worker loop.
//
// Defaults: workers 2, poll_interval "500ms", default_timeout "30s",
// reap_every "30s", history_size 200.
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	ReapEvery      string `json:"reap_every,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// JobConfig is one canonical recurring evaluation.
type JobConfig struct {
	Type string `json:"type"`
	// Schedule is a cron expression, a descriptor ("@hourly", "@every 5m")
	// or an interval shorthand ("55m", "02:30").
	Schedule string       `json:"schedule"`
	Timeout  string       `json:"timeout,omitempty"`
	Signal   SignalConfig `json:"signal"`
	// Prompt replaces the built-in classifier instructions for this job.
	Prompt string `json:"prompt,omitempty"`
	// Notify lists the sink names to deliver to. Empty means all sinks.
	Notify []string `json:"notify,omitempty"`
}

type SignalConfig struct {
	Topic    string   `json:"topic"`
	URL      string   `json:"url"`
	Fields   []string `json:"fields,omitempty"`
	Required []string `json:"required,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
}

type ClassifierConfig struct {
	// Provider is "openai" (default).
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	// APIKeyEnv names the environment variable holding the API key.
	// Default "OPENAI_API_KEY".
	APIKeyEnv    string   `json:"api_key_env,omitempty"`
	Timeout      string   `json:"timeout,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	RemarkMaxLen int      `json:"remark_max_len,omitempty"`
}

type NotifyConfig struct {
	RatePerSec    int             `json:"rate_per_sec,omitempty"`
	Timeout       string          `json:"timeout,omitempty"`
	RetryMax      int             `json:"retry_max,omitempty"`
	RetryBase     string          `json:"retry_base,omitempty"`
	RetryMaxDelay string          `json:"retry_max_delay,omitempty"`
	Webhooks      []WebhookConfig `json:"webhooks,omitempty"`
	Telegram      *TelegramConfig `json:"telegram,omitempty"`
}

type WebhookConfig struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Timeout string            `json:"timeout,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type TelegramConfig struct {
	Enabled bool `json:"enabled"`
	// TokenEnv names the environment variable holding the bot token.
	// Default "ENVWATCH_TELEGRAM_TOKEN".
	TokenEnv string `json:"token_env,omitempty"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type HTTPConfig struct {
	Addr              string `json:"addr"`
	AllowOrigin       string `json:"allow_origin,omitempty"`
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	Pprof             bool   `json:"pprof,omitempty"`
}

// IngestConfig enables the sensor pollers. A poller without a URL is off.
type IngestConfig struct {
	Timezone string       `json:"timezone,omitempty"`
	Weather  PollerConfig `json:"weather,omitempty"`
	PM25     PollerConfig `json:"pm25,omitempty"`
}

type PollerConfig struct {
	URL     string `json:"url,omitempty"`
	Cron    string `json:"cron,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

const (
	DefaultAPIKeyEnv        = "OPENAI_API_KEY"
	DefaultTelegramTokenEnv = "ENVWATCH_TELEGRAM_TOKEN"
)
