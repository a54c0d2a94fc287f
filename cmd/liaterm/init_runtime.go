package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"lia-terminal/internal/adapter/gateway"
	"lia-terminal/internal/adapter/history"
	"lia-terminal/internal/adapter/shell"
	"lia-terminal/internal/domain"
	"lia-terminal/internal/infra/config"
	"lia-terminal/internal/infra/logger"
	"lia-terminal/internal/infra/middleware"
	"lia-terminal/internal/security"
	"lia-terminal/internal/usecase/eventbus"
	"lia-terminal/internal/usecase/scheduling"
	"lia-terminal/internal/usecase/surface"
	"lia-terminal/internal/usecase/terminal"
)

// Runtime holds the wired components of a running backend.
type Runtime struct {
	Bus       *eventbus.Bus
	Audit     domain.AuditLogger
	FileAudit *security.FileAuditLogger // nil when audit is disabled
	Surface   *surface.Surface
	History   *history.Recorder // nil when history is disabled
	Tabs      *terminal.Manager
	Scheduler *scheduling.Scheduler // nil when the scheduler is disabled
	Gateway   *gateway.Server       // nil when the gateway is disabled
}

// initCore wires the components shared by every command: event bus, audit
// log and command surface.
func initCore(cfg *config.Config, log *slog.Logger) (*Runtime, func(), error) {
	rt := &Runtime{Bus: eventbus.New(log), Audit: domain.NopAuditLogger{}}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	cleanups = append(cleanups, rt.Bus.Close)

	if cfg.Security.Audit.Enabled {
		fa, err := security.NewFromConfig(cfg.Security.Audit)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("audit: %w", err)
		}
		rt.FileAudit, rt.Audit = fa, fa
		cleanups = append(cleanups, func() { fa.Close() })
		log.Info("audit logging enabled", "path", fa.Path())
	}

	wd, err := surface.NewWorkdir(cfg.Surface.WorkdirMode, cfg.Surface.StartDir)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("workdir: %w", err)
	}
	policy, err := domain.ParseOutputPolicy(cfg.Surface.OutputPolicy)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	rt.Surface = surface.New(surface.Options{
		Runner:  shell.NewLocalRunner(shell.Options{Timeout: cfg.Surface.CommandTimeout, HideWindow: cfg.Surface.HideWindow}),
		Workdir: wd,
		Policy:  policy,
		Bus:     rt.Bus,
		Audit:   rt.Audit,
		Logger:  logger.Component(log, "surface"),
	})
	return rt, cleanup, nil
}

// shellProfile returns the configured shell, or the host default.
func shellProfile(cfg config.TerminalConfig) shell.Profile {
	if cfg.Shell == "" {
		return shell.HostProfile()
	}
	return shell.Profile{Program: cfg.Shell, Args: cfg.ShellArgs, SplitInput: cfg.SplitInput}
}

// initRuntime wires the full daemon: core, history, tabs, scheduler and
// gateway. The returned cleanup releases everything in reverse order.
func initRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Runtime, func(context.Context) error, error) {
	rt, coreCleanup, err := initCore(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	var closers []func(context.Context) error
	cleanup := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		coreCleanup()
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, func(context.Context) error, error) {
		cleanup(ctx)
		return nil, nil, err
	}

	// 1. History
	var store domain.HistoryStore
	if cfg.History.Enabled {
		sqlite, err := history.NewSQLiteStore(cfg.History.Path)
		if err != nil {
			return fail(fmt.Errorf("history: %w", err))
		}
		rt.History = history.NewRecorder(sqlite, cfg.History.Breaker, logger.Component(log, "history"))
		store = rt.History
		closers = append(closers, func(context.Context) error { return rt.History.Close() })
		log.Info("history store opened", "path", cfg.History.Path)
	}

	// 2. Tabs
	rt.Tabs = terminal.NewManager(terminal.Config{
		MaxTabs:        cfg.Terminal.MaxTabs,
		MaxOutputLines: cfg.Terminal.MaxOutputLines,
		HistorySize:    cfg.Terminal.HistorySize,
		SeedSize:       cfg.History.SeedSize,
		Shell:          shellProfile(cfg.Terminal),
	}, terminal.Options{
		Surface: rt.Surface,
		Store:   store,
		Bus:     rt.Bus,
		Audit:   rt.Audit,
		Logger:  logger.Component(log, "terminal"),
	})
	if _, err := rt.Tabs.OpenTab(ctx); err != nil {
		return fail(fmt.Errorf("open first tab: %w", err))
	}

	// 3. Scheduler
	if cfg.Scheduler.Enabled {
		rt.Scheduler = scheduling.NewScheduler(logger.Component(log, "scheduler"), rt.Bus)
		registerActions(rt, cfg, log)
		if err := rt.Scheduler.AddTasks(cfg.Scheduler.Tasks); err != nil {
			return fail(err)
		}
		closers = append(closers, func(context.Context) error { return rt.Scheduler.Stop() })
	}

	// 4. Gateway
	if cfg.Gateway.Enabled {
		srv, err := initGateway(cfg, rt, log)
		if err != nil {
			return fail(err)
		}
		rt.Gateway = srv
		closers = append(closers, srv.Stop)
	}

	return rt, cleanup, nil
}

// registerActions binds the scheduler's maintenance actions. Actions whose
// backing component is disabled fail with ErrDisabled when they run.
func registerActions(rt *Runtime, cfg *config.Config, log *slog.Logger) {
	rt.Scheduler.RegisterAction(scheduling.ActionHistoryPrune, func(ctx context.Context) error {
		if rt.History == nil {
			return domain.NewSubSystemError("history", "history_prune", domain.ErrDisabled, "history is disabled")
		}
		return history.NewPruner(rt.History, cfg.History.Retention, rt.Bus, rt.Audit, log).Run(ctx)
	})
	rt.Scheduler.RegisterAction(scheduling.ActionAuditRetention, func(ctx context.Context) error {
		if rt.FileAudit == nil {
			return domain.NewSubSystemError("audit", "audit_retention", domain.ErrDisabled, "audit logging is disabled")
		}
		removed, err := rt.FileAudit.EnforceRetention(ctx)
		if err != nil {
			return err
		}
		log.Info("audit retention enforced", "removed", removed)
		return nil
	})
	rt.Scheduler.RegisterAction(scheduling.ActionTabReap, func(ctx context.Context) error {
		if n := rt.Tabs.ReapIdle(ctx, cfg.Terminal.IdleTTL); n > 0 {
			log.Info("idle tabs closed", "count", n)
		}
		return nil
	})
}

func initGateway(cfg *config.Config, rt *Runtime, log *slog.Logger) (*gateway.Server, error) {
	auth, err := gateway.NewAuthenticator(cfg.Gateway.Auth)
	if err != nil {
		return nil, err
	}
	gwLog := logger.Component(log, "gateway")
	rl := cfg.Gateway.RateLimit
	opts := gateway.Options{
		Addr:           cfg.Gateway.Addr,
		Auth:           auth,
		Surface:        rt.Surface,
		OriginPatterns: cfg.Gateway.OriginPatterns,
		ExecPerMinute:  rl.ExecPerMinute,
		ExecBurst:      rl.ExecBurst,
		HTTPRateLimit: middleware.RateLimitConfig{
			RequestsPerMin: rl.HTTPPerMinute,
			BurstSize:      rl.HTTPBurst,
			TrustedProxies: rl.TrustedProxies,
			Logger:         gwLog,
		},
	}
	if rt.FileAudit != nil {
		opts.Denied = rt.FileAudit
	}

	srv := gateway.NewServer(rt.Bus, opts, gwLog)
	deps := gateway.HandlerDeps{
		Tabs:      rt.Tabs,
		Events:    rt.Bus,
		Scheduler: rt.Scheduler,
		History:   rt.History,
		Logger:    gwLog,
		Version:   version,
	}
	gateway.RegisterDefaultHandlers(srv, deps)
	gateway.RegisterRESTHandlers(srv, deps)
	return srv, nil
}
