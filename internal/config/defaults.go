package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultAddr             = ":3000"
	DefaultWebhookPath      = "/webhook"
	DefaultMaxBodyBytes     = 1 << 20
	DefaultGraphBaseURL     = "https://graph.microsoft.com/v1.0"
	DefaultRetention        = 5 * time.Minute
	DefaultRetryMaxAttempts = 2
	DefaultRetryDelay       = time.Second
	DefaultSweep            = "@every 1m"
	DefaultRedisPrefix      = "driverelay:"
)

func (r RelayConfig) AllEntriesEnabled() bool {
	return r.AllEntries == nil || *r.AllEntries
}

func (r RelayConfig) ScratchDirOrDefault() string {
	if d := strings.TrimSpace(r.ScratchDir); d != "" {
		return d
	}
	return filepath.Join(os.TempDir(), "driverelay")
}

func (r RelayConfig) MaxAttempts() int {
	if r.RetryMaxAttempts <= 0 {
		return DefaultRetryMaxAttempts
	}
	return r.RetryMaxAttempts
}

func (c IdempotencyConfig) ReserveEnabled() bool {
	return c.Reserve == nil || *c.Reserve
}

func (c IdempotencyConfig) BackendName() string {
	b := strings.ToLower(strings.TrimSpace(c.Backend))
	if b == "" {
		return "memory"
	}
	return b
}

func (c IdempotencyConfig) SweepSpec() string {
	if s := strings.TrimSpace(c.Sweep); s != "" {
		return s
	}
	return DefaultSweep
}

// Validate checks cross-field rules the decoder cannot. It is used both at
// startup and as the hot-reload gate.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	durations := map[string]string{
		"server.read_timeout":     cfg.Server.ReadTimeout,
		"server.write_timeout":    cfg.Server.WriteTimeout,
		"server.idle_timeout":     cfg.Server.IdleTimeout,
		"server.shutdown_timeout": cfg.Server.ShutdownTimeout,
		"telegram.timeout":        cfg.Telegram.Timeout,
		"graph.timeout":           cfg.Graph.Timeout,
		"graph.download_timeout":  cfg.Graph.DownloadTimeout,
		"relay.retry_delay":       cfg.Relay.RetryDelay,
		"idempotency.retention":   cfg.Idempotency.Retention,
	}
	if cfg.Storage != nil {
		durations["storage.busy_timeout"] = cfg.Storage.BusyTimeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if p := strings.TrimSpace(cfg.Server.WebhookPath); p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("server.webhook_path: must start with /"))
	}
	if cfg.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes: must be >= 0"))
	}
	if cfg.Relay.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("relay.retry_max_attempts: must be >= 0"))
	}

	switch cfg.Idempotency.BackendName() {
	case "memory":
	case "redis":
		if cfg.Idempotency.Redis == nil || strings.TrimSpace(cfg.Idempotency.Redis.Addr) == "" {
			errs = append(errs, fmt.Errorf("idempotency.redis.addr: required for redis backend"))
		}
	case "storage":
		if cfg.Storage == nil || strings.EqualFold(strings.TrimSpace(cfg.Storage.Driver), "none") {
			errs = append(errs, fmt.Errorf("idempotency.backend: storage backend requires a storage section"))
		}
	default:
		errs = append(errs, fmt.Errorf("idempotency.backend: unknown backend %q", cfg.Idempotency.Backend))
	}
	if _, err := cron.ParseStandard(cfg.Idempotency.SweepSpec()); err != nil {
		errs = append(errs, fmt.Errorf("idempotency.sweep: %w", err))
	}

	if strings.TrimSpace(cfg.Telegram.BotToken) == "" {
		for _, t := range cfg.Tenants {
			if strings.TrimSpace(t.BotToken) == "" {
				errs = append(errs, fmt.Errorf("tenants[%s]: bot_token required when telegram.bot_token is empty", t.ID))
			}
		}
	}

	errs = append(errs, validateTenants(cfg.Tenants)...)
	return errors.Join(errs...)
}

func validateTenants(ts []TenantConfig) []error {
	if len(ts) == 0 {
		return []error{errors.New("tenants: at least one tenant is required")}
	}
	var errs []error
	ids := map[string]struct{}{}
	subs := map[string]string{}
	defaults := 0
	for i, t := range ts {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("tenants[%d].id: required", i))
			continue
		}
		if _, dup := ids[id]; dup {
			errs = append(errs, fmt.Errorf("tenants[%s]: duplicate id", id))
		}
		ids[id] = struct{}{}
		if t.ClientState == "" {
			errs = append(errs, fmt.Errorf("tenants[%s].client_state: required", id))
		}
		if t.ChatID == 0 {
			errs = append(errs, fmt.Errorf("tenants[%s].chat_id: required", id))
		}
		if len(t.SubscriptionIDs) == 0 {
			defaults++
		}
		for _, s := range t.SubscriptionIDs {
			if owner, taken := subs[s]; taken {
				errs = append(errs, fmt.Errorf("tenants[%s]: subscription %q already owned by %s", id, s, owner))
				continue
			}
			subs[s] = id
		}
	}
	if defaults > 1 {
		errs = append(errs, errors.New("tenants: more than one tenant without subscription_ids"))
	}
	return errs
}
