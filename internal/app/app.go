// Package app assembles the engine: config, logging, storage, scheduler,
// delivery worker, orchestrator and the operator bot.
package app

import (
	"context"
	"time"

	"tgblaster/internal/bot"
	"tgblaster/internal/broadcast"
	"tgblaster/internal/config"
	"tgblaster/internal/eventbus"
	"tgblaster/internal/scheduler"
	"tgblaster/internal/store"
	"tgblaster/internal/transport/telegram"
	"tgblaster/internal/wizard"
	"tgblaster/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *Supervisor

	logs *logx.Service
	log  logx.Logger

	bus   eventbus.Bus
	store *store.Store
	sched *scheduler.Service
	orch  *broadcast.Orchestrator
	bot   *bot.Service
}

func New(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	warmup, err := config.ParseDurationField("broadcast.warmup_delay", cfg.Broadcast.WarmupDelay)
	if err != nil {
		return nil, err
	}
	retryDelay, err := config.ParseDurationField("broadcast.retry_delay", cfg.Broadcast.RetryDelay)
	if err != nil {
		return nil, err
	}
	floodMargin, err := config.ParseDurationField("broadcast.flood_margin", cfg.Broadcast.FloodMargin)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	sched := scheduler.New(log.With(logx.String("comp", "scheduler")))
	dialer := telegram.NewDialer(log.With(logx.String("comp", "telegram")))
	resolver := broadcast.NewResolver(log)

	worker := broadcast.NewWorker(broadcast.WorkerConfig{
		MaxAttempts:    cfg.Broadcast.MaxAttempts,
		RetryDelay:     retryDelay,
		FloodMargin:    floodMargin,
		SendsPerMinute: cfg.Broadcast.SendsPerMinute,
	}, st, dialer, resolver, sched, bus, log)

	orch := broadcast.NewOrchestrator(broadcast.Config{
		WarmupDelay: warmup,
	}, st, sched, worker, dialer, resolver, log)

	wiz := wizard.NewManager(log)

	botSvc, err := bot.New(bot.Config{
		Token:       cfg.Telegram.Token,
		Owners:      cfg.Telegram.OwnerUserIDs,
		PollTimeout: pollTimeout,
	}, st, orch, wiz, dialer, resolver, bus, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &App{
		cfgm:  cfgm,
		logs:  logSvc,
		log:   log,
		bus:   bus,
		store: st,
		sched: sched,
		orch:  orch,
		bot:   botSvc,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, a.log)
	runCtx := a.sup.Context()

	a.sched.Start(runCtx)
	if err := a.orch.Restore(runCtx); err != nil {
		return err
	}
	a.bot.Start(runCtx)

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.apply", a.applyReloads)

	a.log.Info("started")
	return nil
}

// applyReloads consumes committed config updates and applies the subset
// that can change at runtime: log level/sinks and the operator allowlist.
func (a *App) applyReloads(ctx context.Context) error {
	updates := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(updates)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-updates:
			if !ok {
				return nil
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.bot.UpdateOwners(cfg.Telegram.OwnerUserIDs)
			a.log.Info("runtime config applied", logx.String("level", cfg.Logging.Level))
		}
	}
}

// Done is closed when the supervisor context ends, either from Stop or a
// fatal error in a supervised goroutine.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop tears everything down in reverse start order.
func (a *App) Stop(ctx context.Context) error {
	a.bot.Stop(ctx)
	a.sched.Stop(ctx)
	if a.sup != nil {
		a.sup.Stop(ctx)
	}
	err := a.store.Close()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}
