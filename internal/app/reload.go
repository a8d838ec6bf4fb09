package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"driverelay/internal/config"
	logx "driverelay/pkg/logx"
)

// Sections that are read once at startup.
var restartOnly = []string{"telegram", "graph", "relay", "idempotency", "storage"}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))
	a.tenants.Replace(next.Tenants)

	if srvCfg, err := mapServerConfig(next); err != nil {
		a.log.Warn("invalid server config; keeping previous", logx.Err(err))
	} else {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		a.server.Reconfigure(rctx, srvCfg)
		cancel()
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
