package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "5m"). String
// values may reference environment variables as ${NAME}; expansion happens
// before decoding, so secrets can stay out of the file.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Logging     LoggingConfig     `json:"logging"`
	Telegram    TelegramConfig    `json:"telegram"`
	Graph       GraphConfig       `json:"graph"`
	Relay       RelayConfig       `json:"relay"`
	Idempotency IdempotencyConfig `json:"idempotency"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Tenants     []TenantConfig    `json:"tenants"`
}

// ServerConfig controls the public HTTP listener.
//
// WriteTimeout must cover a full relay (download plus upload) because the
// acknowledgement is only written after the outcome is known.
type ServerConfig struct {
	Addr        string `json:"addr,omitempty"`         // default ":3000"
	WebhookPath string `json:"webhook_path,omitempty"` // default "/webhook"
	// MaxBodyBytes caps the notification body. Default 1 MiB.
	MaxBodyBytes    int64  `json:"max_body_bytes,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors WARN+ log lines to an operator chat using the
// default bot.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the default bot. Tenants without their own bot_token
// share it.
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	APIURL   string `json:"api_url,omitempty"`
	Timeout  string `json:"timeout,omitempty"` // default "2m"
	// RatePerSec caps document sends per sink. Default 1.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type GraphConfig struct {
	BaseURL string `json:"base_url,omitempty"` // default "https://graph.microsoft.com/v1.0"
	Timeout string `json:"timeout,omitempty"`  // default "30s", metadata calls only
	// DownloadTimeout bounds a single content download. Default "5m".
	DownloadTimeout string `json:"download_timeout,omitempty"`
}

// RelayConfig tunes the relay pipeline.
//
// Defaults:
//   - scratch_dir: os.TempDir()/driverelay
//   - all_entries: true
//   - retry_max_attempts: 2
//   - retry_delay: "1s"
type RelayConfig struct {
	ScratchDir string `json:"scratch_dir,omitempty"`
	// AllEntries processes every entry of a batch. When false only the first
	// entry is relayed.
	AllEntries       *bool  `json:"all_entries,omitempty"`
	RetryMaxAttempts int    `json:"retry_max_attempts,omitempty"`
	RetryDelay       string `json:"retry_delay,omitempty"`
	// Caption is a text/template rendered per document. Fields: .Name, .Size,
	// .Modified, .Tenant. Empty means no caption.
	Caption string `json:"caption,omitempty"`
}

// IdempotencyConfig selects the dedup backend.
//
// Defaults:
//   - backend: "memory"
//   - retention: "5m"
//   - reserve: true
//   - sweep: "@every 1m" (cron spec, memory and storage backends only)
type IdempotencyConfig struct {
	Backend   string       `json:"backend,omitempty"`
	Retention string       `json:"retention,omitempty"`
	Reserve   *bool        `json:"reserve,omitempty"`
	Sweep     string       `json:"sweep,omitempty"`
	Redis     *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"` // default "driverelay:"
}

// StorageConfig controls the optional persistence layer (audit trail and
// the "storage" idempotency backend). Nil means disabled.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./driverelay.db" }
type StorageConfig struct {
	// Driver is one of file, sqlite, postgres, none.
	Driver string `json:"driver"`
	// Path is a directory (file), a database file (sqlite) or a DSN (postgres).
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// TenantConfig binds a set of subscriptions to their secret, their drive
// access token and their relay target.
//
// A tenant with no subscription_ids is the default tenant and accepts any
// subscription not claimed by another tenant.
type TenantConfig struct {
	ID              string   `json:"id"`
	ClientState     string   `json:"client_state"`
	SubscriptionIDs []string `json:"subscription_ids,omitempty"`
	AccessToken     string   `json:"access_token"`
	BotToken        string   `json:"bot_token,omitempty"`
	ChatID          int64    `json:"chat_id"`
	ThreadID        int      `json:"thread_id,omitempty"`
}
