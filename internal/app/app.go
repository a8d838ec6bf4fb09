package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"driverelay/internal/config"
	"driverelay/internal/eventbus"
	"driverelay/internal/graph"
	"driverelay/internal/idempotency"
	"driverelay/internal/relay"
	rtsup "driverelay/internal/runtime/supervisor"
	"driverelay/internal/server"
	"driverelay/internal/storage"
	"driverelay/internal/tenant"
	kit "driverelay/internal/transport"
	"driverelay/internal/transport/telegram"
	"driverelay/internal/webhook"
	logx "driverelay/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tenants *tenant.Directory
	tracker *idempotency.Tracker
	bots    *telegram.Pool
	server  *server.Service

	sweep           bool
	shutdownTimeout time.Duration
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	bots := telegram.NewPool(tgCfg, bootLog)

	// The ops log sink goes through the default bot when there is one.
	var opsSender kit.TextSender
	if strings.TrimSpace(tgCfg.Token) != "" {
		ad, err := bots.Get("")
		if err != nil {
			return nil, err
		}
		opsSender = ad
	}
	logSvc, log := logx.New(mapLogConfig(cfg), opsSender)
	appLog := log.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	cleanup := func() {
		if store != nil {
			_ = store.Close()
		}
	}

	backend, sweep, err := openBackend(ctx, cfg, store)
	if err != nil {
		cleanup()
		return nil, err
	}
	cleanup = func() {
		_ = backend.Close()
		if store != nil {
			_ = store.Close()
		}
	}
	retention, err := config.ParseDurationOrDefault("idempotency.retention", cfg.Idempotency.Retention, config.DefaultRetention)
	if err != nil {
		cleanup()
		return nil, err
	}
	tracker := idempotency.NewTracker(backend,
		idempotency.WithRetention(retention),
		idempotency.WithLogger(log.With(logx.String("comp", "idempotency"))),
	)

	gopts, err := mapGraphOptions(cfg)
	if err != nil {
		cleanup()
		return nil, err
	}
	drive := graph.New(gopts)

	relayLog := log.With(logx.String("comp", "relay"))
	retry, err := mapRetry(cfg, relayLog)
	if err != nil {
		cleanup()
		return nil, err
	}
	caption, err := relay.ParseCaption(cfg.Relay.Caption)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("relay.caption: %w", err)
	}
	pipeline := &relay.Pipeline{
		Resolver: &relay.Resolver{Client: drive},
		Fetcher:  &relay.Fetcher{Client: drive, ScratchDir: cfg.Relay.ScratchDirOrDefault(), Log: relayLog},
		Sink: &relay.Sink{
			Senders:    documentSenders(bots),
			RatePerSec: cfg.Telegram.RatePerSec,
			Caption:    caption,
			Log:        relayLog,
		},
		Retry: retry,
		Log:   relayLog,
	}

	tenants := tenant.New(cfg.Tenants)
	hookLog := log.With(logx.String("comp", "webhook"))
	validator, err := webhook.NewValidator(tenants, cfg.Relay.AllEntriesEnabled(), hookLog)
	if err != nil {
		cleanup()
		return nil, err
	}
	bus := eventbus.New()
	hook := webhook.NewHandler(webhook.Options{
		Validator:    validator,
		Tracker:      tracker,
		Runner:       pipeline,
		Bus:          bus,
		Reserve:      cfg.Idempotency.ReserveEnabled(),
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Log:          hookLog,
	})

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		cleanup()
		return nil, err
	}
	shutdown, err := config.ParseDurationOrDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout, 30*time.Second)
	if err != nil {
		cleanup()
		return nil, err
	}

	appLog.Info("relay configured",
		logx.Int("tenants", tenants.Len()),
		logx.String("dedup", cfg.Idempotency.BackendName()),
		logx.Bool("reserve", cfg.Idempotency.ReserveEnabled()),
		logx.Bool("all_entries", cfg.Relay.AllEntriesEnabled()),
	)
	return &App{
		cfgm:            cfgm,
		log:             appLog,
		logs:            logSvc,
		bus:             bus,
		store:           store,
		tenants:         tenants,
		tracker:         tracker,
		bots:            bots,
		server:          server.New(srvCfg, hook, log.With(logx.String("comp", "http"))),
		sweep:           sweep,
		shutdownTimeout: shutdown,
	}, nil
}

func documentSenders(pool *telegram.Pool) relay.SenderFunc {
	return func(botToken string) (kit.DocumentSender, error) {
		a, err := pool.Get(botToken)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

// Addr is the bound HTTP address once started.
func (a *App) Addr() string { return a.server.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start binds the listener and launches the background loops. It returns
// once the webhook is accepting requests.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.server.Start(a.sup.Context())
	select {
	case <-a.server.Ready():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		if err := a.server.Err(); err != nil {
			return err
		}
		return errors.New("http server not ready after 5s")
	}

	if a.sweep {
		spec := a.cfgm.Get().Idempotency.SweepSpec()
		a.sup.Go("idempotency.sweep", func(c context.Context) error {
			return a.tracker.RunSweeper(c, spec)
		})
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.audit", func(c context.Context) {
		defer unsub()
		a.consumeEvents(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("addr", a.server.Addr()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			if max <= 0 {
				max = time.Millisecond
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
		}
		err := fn(stepCtx)
		if cancel != nil {
			cancel()
		}
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step failed", logx.String("name", name), logx.Duration("took", took), logx.Err(err))
			return
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", took))
	}

	// In-flight relays finish first; they still need the tracker and the
	// audit subscriber.
	step("http", a.shutdownTimeout, func(c context.Context) error {
		a.server.Stop(c)
		return c.Err()
	})
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("idempotency", time.Second, func(context.Context) error { return a.tracker.Close() })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
