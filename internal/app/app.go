// Package app wires configuration, storage, the reminder engine, and the
// Telegram transport into one runnable unit.
package app

import (
	"context"
	"fmt"
	"time"

	"readmark/internal/alert"
	"readmark/internal/bot"
	"readmark/internal/clock"
	"readmark/internal/config"
	"readmark/internal/ratelimit"
	"readmark/internal/remind"
	"readmark/internal/runtime/supervisor"
	"readmark/internal/store"
	kit "readmark/internal/transport"
	"readmark/internal/transport/telegram"
	logx "readmark/pkg/logx"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	st       store.Store
	adapter  *telegram.Adapter
	limiter  *ratelimit.Limiter
	svc      *remind.Service
	sweeper  *remind.Sweeper
	reporter *alert.Reporter
	bot      *bot.Bot

	updates chan kit.Update
}

// New loads and validates the config file and constructs every component.
// Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeoutOrDefault(),
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink disabled; enable only after the
	// target chat is known so Apply does not warn about a missing target.
	baseLogCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    false,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	logSvc, log := logx.New(baseLogCfg, adapter)
	log = log.With(logx.String("comp", "app"))
	if len(cfg.Telegram.OwnerUserIDs) > 0 {
		logSvc.SetTelegramTarget(cfg.Telegram.OwnerUserIDs[0])
	}
	finalLogCfg := baseLogCfg
	finalLogCfg.Telegram.Enabled = cfg.Logging.Telegram.Enabled
	logSvc.Apply(finalLogCfg)

	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	storeCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	limCfg, err := mapLimiterConfig(cfg)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(limCfg)

	remindCfg, err := mapRemindConfig(cfg)
	if err != nil {
		return nil, err
	}
	clk := clock.System{}
	svc := remind.New(remindCfg, st,
		bot.NewDeliverer(adapter),
		bot.NewPreferences(st),
		limiter, clk,
		log.With(logx.String("comp", "remind")))

	reporter, err := alert.New(alert.Config{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     Version,
	}, log.With(logx.String("comp", "alert")))
	if err != nil {
		return nil, err
	}
	svc.SetFailureReporter(reporter)

	sweepCfg, err := mapSweeperConfig(cfg)
	if err != nil {
		return nil, err
	}
	sweeper, err := remind.NewSweeper(sweepCfg, svc, limiter, clk,
		log.With(logx.String("comp", "sweep")))
	if err != nil {
		return nil, err
	}

	b := bot.New(adapter, st, svc, limiter, clk, log.With(logx.String("comp", "bot")))

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		st:       st,
		adapter:  adapter,
		limiter:  limiter,
		svc:      svc,
		sweeper:  sweeper,
		reporter: reporter,
		bot:      b,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error the supervisor observed, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start telegram adapter: %w", err)
	}

	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	})
	a.sup.Go("reminder.sweep", func(c context.Context) error {
		return a.sweeper.Run(c)
	})
	a.sup.Go0("config.watch", func(c context.Context) {
		_ = a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.log.Info("started", logx.String("version", Version))
	return nil
}

// applyReload applies the hot-reloadable subset of a committed config:
// logging and the owner log target. Storage, token, limits, and sweep
// schedule changes need a restart and are logged as such.
func (a *App) applyReload(prev, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if len(cfg.Telegram.OwnerUserIDs) > 0 {
		a.logs.SetTelegramTarget(cfg.Telegram.OwnerUserIDs[0])
	} else {
		a.logs.SetTelegramTarget(0)
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})

	if prev != nil && (prev.Storage != cfg.Storage || prev.Telegram.Token != cfg.Telegram.Token ||
		prev.Limits != cfg.Limits || prev.Sweep != cfg.Sweep || prev.Reminders != cfg.Reminders) {
		a.log.Warn("storage/telegram/limits/sweep config changed; restart required to take effect")
	}
	a.log.Info("logging config applied")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bounded shutdown steps so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil && err != context.Canceled {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("store", 1*time.Second, func(context.Context) error { return a.st.Close() })

	a.reporter.Close()
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapLimiterConfig(cfg *config.Config) (ratelimit.Config, error) {
	msgW, err := config.ParseDurationField("limits.message_window", cfg.Limits.MessageWindow)
	if err != nil {
		return ratelimit.Config{}, err
	}
	saveW, err := config.ParseDurationField("limits.link_save_window", cfg.Limits.LinkSaveWindow)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{
		Message:  ratelimit.Rule{Limit: cfg.Limits.MessageLimit, Window: msgW},
		LinkSave: ratelimit.Rule{Limit: cfg.Limits.LinkSaveLimit, Window: saveW},
	}, nil
}

func mapRemindConfig(cfg *config.Config) (remind.Config, error) {
	deliver, err := config.ParseDurationField("reminders.deliver_timeout", cfg.Reminders.DeliverTimeout)
	if err != nil {
		return remind.Config{}, err
	}
	claimTTL, err := config.ParseDurationField("reminders.claim_ttl", cfg.Reminders.ClaimTTL)
	if err != nil {
		return remind.Config{}, err
	}
	return remind.Config{
		MaxSnoozes:     cfg.Reminders.MaxSnoozes,
		RetryMax:       cfg.Reminders.RetryMax,
		DeliverTimeout: deliver,
		SweepBatch:     cfg.Sweep.Batch,
		ClaimTTL:       claimTTL,
	}, nil
}

func mapSweeperConfig(cfg *config.Config) (remind.SweeperConfig, error) {
	evict, err := config.ParseDurationField("sweep.evict_interval", cfg.Sweep.EvictInterval)
	if err != nil {
		return remind.SweeperConfig{}, err
	}
	return remind.SweeperConfig{
		Schedule:      cfg.Sweep.Schedule,
		EvictInterval: evict,
	}, nil
}
