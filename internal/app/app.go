// Package app wires configuration, logging, storage, the chat adapter, the
// notification sink, the poller, and the command dispatcher into one
// process, and owns startup/shutdown ordering.
package app

import (
	"context"
	"fmt"
	"time"

	"stridebot/internal/commands"
	"stridebot/internal/config"
	"stridebot/internal/eventbus"
	"stridebot/internal/notify"
	"stridebot/internal/observability/pprof"
	"stridebot/internal/poller"
	"stridebot/internal/runtime/supervisor"
	"stridebot/internal/state"
	"stridebot/internal/strava"
	kit "stridebot/internal/transport"
	"stridebot/internal/transport/telegram"
	logx "stridebot/pkg/logx"
)

const stopTimeout = 10 * time.Second

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus     eventbus.Bus
	store   state.Store
	adapter *telegram.Adapter
	sink    *notify.Service
	poll    *poller.Service
	disp    *commands.Dispatcher
	debug   *pprof.Service

	sup     *supervisor.Supervisor
	updates chan kit.Update
	cfgCh   chan *config.Config
}

// New loads and validates the config file and constructs every service in a
// stopped state. Nothing talks to the network until Start.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	mgr.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return Validate(cfg)
	})
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(buildLogging(cfg))
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	storeCfg, err := buildStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(storeCfg, log.With(logx.String("svc", "state")))
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	tgCfg, err := buildTelegram(cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(tgCfg, log.With(logx.String("svc", "telegram")))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating telegram adapter: %w", err)
	}

	stravaCfg, err := buildStrava(cfg)
	if err != nil {
		return nil, err
	}
	client := strava.NewClient(stravaCfg, log.With(logx.String("svc", "strava")))

	notifyCfg, err := buildNotify(cfg)
	if err != nil {
		return nil, err
	}
	sink := notify.New(notifyCfg, adapter, log.With(logx.String("svc", "notify")))

	pollCfg, err := buildPoller(cfg)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New()
	poll := poller.New(pollCfg, store, client, sink, bus, log.With(logx.String("svc", "poller")))

	disp := commands.New(
		commands.Config{OwnerUserIDs: cfg.Telegram.OwnerUserIDs},
		adapter, poll, store,
		log.With(logx.String("svc", "commands")),
	)

	return &App{
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log,
		bus:     bus,
		store:   store,
		adapter: adapter,
		sink:    sink,
		poll:    poll,
		disp:    disp,
		debug:   pprof.New(buildPprof(cfg), log.With(logx.String("svc", "pprof"))),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("svc", "supervisor"))))
	runCtx := a.sup.Context()

	a.updates = make(chan kit.Update, 64)
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return fmt.Errorf("starting telegram adapter: %w", err)
	}
	a.disp.Start(runCtx, a.updates)

	if err := a.poll.Start(runCtx); err != nil {
		return fmt.Errorf("starting poller: %w", err)
	}

	if err := a.debug.Start(runCtx); err != nil {
		a.log.Warn("pprof listener not started", logx.Err(err))
	}

	a.cfgCh = a.cfgMgr.Subscribe(4)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.Go0("events.log", a.eventLogLoop)

	a.log.Info("application started")
	return nil
}

// Stop tears services down in reverse dependency order: schedule first so
// no new cycles start, then inbound command handling, then the transport,
// then storage.
func (a *App) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	var firstErr error
	record := func(step string, err error) {
		if err != nil {
			a.log.Warn("shutdown step failed", logx.String("step", step), logx.Err(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", step, err)
			}
		}
	}

	record("poller", a.poll.Stop(ctx))
	a.disp.Stop()
	record("telegram", a.adapter.Stop(ctx))
	record("pprof", a.debug.Stop(ctx))

	if a.sup != nil {
		a.sup.Cancel()
		record("supervisor", a.sup.Wait(ctx))
	}
	if a.cfgCh != nil {
		a.cfgMgr.Unsubscribe(a.cfgCh)
	}
	record("state", a.store.Close())

	a.log.Info("application stopped")
	record("logging", a.logSvc.Close())
	return firstErr
}

// reloadLoop applies validated config updates to the running services.
// Token and storage changes need a restart; everything else is live.
func (a *App) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(buildLogging(cfg))

	if pollCfg, err := buildPoller(cfg); err == nil {
		a.poll.Apply(pollCfg)
	}
	if notifyCfg, err := buildNotify(cfg); err == nil {
		a.sink.Apply(notifyCfg)
	}
	a.disp.Apply(commands.Config{OwnerUserIDs: cfg.Telegram.OwnerUserIDs})

	a.log.Info("configuration reloaded")
}

// eventLogLoop drains the bus at debug level so every internal event shows
// up in one place.
func (a *App) eventLogLoop(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}
