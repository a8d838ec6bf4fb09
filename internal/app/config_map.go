package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"driverelay/internal/config"
	"driverelay/internal/graph"
	"driverelay/internal/idempotency"
	"driverelay/internal/relay"
	"driverelay/internal/server"
	"driverelay/internal/storage"
	"driverelay/internal/transport/telegram"
	logx "driverelay/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = "./driverelay"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "postgres", "postgresql":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path (DSN) is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", Path: path}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     lc.Telegram.ChatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	sc := cfg.Server
	read, err := config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, 30*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	// A response is only written once the file went out, so the write
	// deadline has to cover download plus upload.
	write, err := config.ParseDurationOrDefault("server.write_timeout", sc.WriteTimeout, 10*time.Minute)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("server.idle_timeout", sc.IdleTimeout, 2*time.Minute)
	if err != nil {
		return server.Config{}, err
	}
	addr := strings.TrimSpace(sc.Addr)
	if addr == "" {
		addr = config.DefaultAddr
	}
	path := strings.TrimSpace(sc.WebhookPath)
	if path == "" {
		path = config.DefaultWebhookPath
	}
	return server.Config{
		Addr:         addr,
		WebhookPath:  path,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 2*time.Minute)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:   cfg.Telegram.BotToken,
		APIURL:  cfg.Telegram.APIURL,
		Timeout: timeout,
	}, nil
}

func mapGraphOptions(cfg *config.Config) (graph.Options, error) {
	timeout, err := config.ParseDurationOrDefault("graph.timeout", cfg.Graph.Timeout, 30*time.Second)
	if err != nil {
		return graph.Options{}, err
	}
	dl, err := config.ParseDurationOrDefault("graph.download_timeout", cfg.Graph.DownloadTimeout, 5*time.Minute)
	if err != nil {
		return graph.Options{}, err
	}
	base := strings.TrimSpace(cfg.Graph.BaseURL)
	if base == "" {
		base = config.DefaultGraphBaseURL
	}
	return graph.Options{
		BaseURL:        base,
		HTTPClient:     &http.Client{Timeout: timeout},
		DownloadClient: &http.Client{Timeout: dl},
		UserAgent:      "driverelay",
	}, nil
}

func mapRetry(cfg *config.Config, log logx.Logger) (relay.Retry, error) {
	delay, err := config.ParseDurationOrDefault("relay.retry_delay", cfg.Relay.RetryDelay, config.DefaultRetryDelay)
	if err != nil {
		return relay.Retry{}, err
	}
	return relay.Retry{
		MaxAttempts: cfg.Relay.MaxAttempts(),
		Delay:       delay,
		Classify:    relay.IsTransient,
		Log:         log,
	}, nil
}

// openBackend returns the dedup backend and whether it needs the periodic
// sweep.
func openBackend(ctx context.Context, cfg *config.Config, store storage.Store) (idempotency.Backend, bool, error) {
	ic := cfg.Idempotency
	switch ic.BackendName() {
	case "memory":
		return idempotency.NewMemory(), true, nil
	case "redis":
		prefix := strings.TrimSpace(ic.Redis.Prefix)
		if prefix == "" {
			prefix = config.DefaultRedisPrefix
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		r, err := idempotency.NewRedis(cctx, idempotency.RedisConfig{
			Addr:     ic.Redis.Addr,
			Password: ic.Redis.Password,
			DB:       ic.Redis.DB,
			Prefix:   prefix,
		})
		if err != nil {
			return nil, false, err
		}
		return r, false, nil
	case "storage":
		if store == nil {
			return nil, false, fmt.Errorf("idempotency.backend=storage but storage is disabled")
		}
		return idempotency.NewStore(store), true, nil
	default:
		return nil, false, fmt.Errorf("idempotency.backend: unknown backend %q", ic.Backend)
	}
}
