package config

import (
	"reflect"
	"sort"
	"strings"

	logx "driverelay/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (tokens, client states, passwords)
// are reported only as "_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.String("server.webhook_path", newCfg.Server.WebhookPath),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.bot_token_set", strings.TrimSpace(newCfg.Telegram.BotToken) != ""),
			logx.Bool("telegram.bot_token_changed", oldCfg.Telegram.BotToken != newCfg.Telegram.BotToken),
			logx.String("telegram.api_url", newCfg.Telegram.APIURL),
		)
	}

	if !reflect.DeepEqual(oldCfg.Graph, newCfg.Graph) {
		changed = append(changed, "graph")
		attrs = append(attrs, logx.String("graph.base_url", newCfg.Graph.BaseURL))
	}

	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Bool("relay.all_entries", newCfg.Relay.AllEntriesEnabled()),
			logx.Int("relay.retry_max_attempts", newCfg.Relay.MaxAttempts()),
			logx.String("relay.retry_delay", newCfg.Relay.RetryDelay),
		)
	}

	if !reflect.DeepEqual(oldCfg.Idempotency, newCfg.Idempotency) {
		changed = append(changed, "idempotency")
		attrs = append(attrs,
			logx.String("idempotency.backend", newCfg.Idempotency.BackendName()),
			logx.String("idempotency.retention", newCfg.Idempotency.Retention),
			logx.Bool("idempotency.reserve", newCfg.Idempotency.ReserveEnabled()),
		)
	}

	// Nil means disabled. The path may be a DSN, so only its presence is logged.
	var oDriver, nDriver string
	var oPath, nPath string
	if oldCfg.Storage != nil {
		oDriver, oPath = oldCfg.Storage.Driver, oldCfg.Storage.Path
	}
	if newCfg.Storage != nil {
		nDriver, nPath = newCfg.Storage.Driver, newCfg.Storage.Path
	}
	if oDriver != nDriver || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
		)
	}

	if ids := changedTenants(oldCfg.Tenants, newCfg.Tenants); len(ids) > 0 {
		changed = append(changed, "tenants")
		attrs = append(attrs,
			logx.Int("tenants.count", len(newCfg.Tenants)),
			logx.String("tenants.changed", strings.Join(ids, ",")),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// changedTenants lists ids that were added, removed or modified.
func changedTenants(oldT, newT []TenantConfig) []string {
	index := func(ts []TenantConfig) map[string]TenantConfig {
		m := make(map[string]TenantConfig, len(ts))
		for _, t := range ts {
			m[t.ID] = t
		}
		return m
	}
	om, nm := index(oldT), index(newT)

	out := make([]string, 0)
	for id, o := range om {
		n, ok := nm[id]
		if !ok || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	for id := range nm {
		if _, ok := om[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
