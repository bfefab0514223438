package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/supervisor/commbus"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/agents"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/config"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/rules"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/runtime"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/steps"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/workflow"
)

const (
	fetchTimeout            = 10 * time.Second
	breakerFailureThreshold = 5
	breakerResetTimeout     = 30 * time.Second
)

// app holds every component shared by the serve and run commands.
type app struct {
	cfg     *config.Config
	logger  agents.Logger
	engine  *workflow.Engine
	store   rules.Store
	bus     *commbus.InMemoryCommBus
	sup     *runtime.Supervisor
	manager *runtime.SessionManager
	watcher *workflow.Watcher
	closers []func()
}

// buildApp wires the supervisor from cfg. Close releases everything it opened.
func buildApp(ctx context.Context, cfg *config.Config, logger agents.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var loader workflow.Loader = workflow.StaticLoader{}
	var fileLoader *workflow.FileLoader
	if cfg.Workflow.Path != "" {
		fileLoader = workflow.NewFileLoader(cfg.Workflow.Path)
		loader = fileLoader
	}
	a.engine, err = workflow.NewEngine(loader)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}

	if err := a.openRules(ctx); err != nil {
		return nil, err
	}

	a.bus = commbus.NewInMemoryCommBus(cfg.Supervisor.BusQueryTimeout, commbus.WithLogger(logger))
	a.bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	// Unknown rule codes are ordinary GetRule failures and must not trip the breaker.
	a.bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(breakerFailureThreshold, breakerResetTimeout, []string{"GetRule"}, logger))
	if err := runtime.RegisterBusHandlers(a.bus, a.store, a.engine, loader, logger); err != nil {
		return nil, fmt.Errorf("failed to register bus handlers: %w", err)
	}

	if cfg.NATS.URL != "" {
		conn, err := commbus.ConnectNATS(cfg.NATS.URL, cfg.NATS.ClientName, logger)
		if err != nil {
			return nil, err
		}
		bridge := commbus.NewNATSBridge(conn, cfg.NATS.SubjectPrefix, logger)
		bridge.Attach(a.bus)
		a.closers = append(a.closers, func() {
			bridge.Detach()
			if err := conn.Drain(); err != nil {
				logger.Warn("nats_drain_failed", "error", err.Error())
			}
		})
	}

	registry, err := steps.NewRegistry(steps.Deps{
		Rules:   a.store,
		Fetcher: steps.NewHTTPFetcher(fetchTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register steps: %w", err)
	}

	a.sup, err = runtime.NewSupervisor(runtime.Deps{
		Engine:   a.engine,
		Registry: registry,
		Rules:    a.store,
		Bus:      a.bus,
		Logger:   logger,
	}, cfg.SupervisorOptions())
	if err != nil {
		return nil, err
	}
	a.manager = runtime.NewSessionManager(a.sup, cfg.ManagerConfig())
	a.closers = append(a.closers, a.manager.CloseAll)

	if fileLoader != nil && cfg.Workflow.Watch {
		a.watcher, err = workflow.NewWatcher(a.engine, fileLoader, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create workflow watcher: %w", err)
		}
		if err := a.watcher.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", cfg.Workflow.Path, err)
		}
		a.closers = append(a.closers, func() { _ = a.watcher.Stop() })
	}

	logger.Info("supervisor_ready",
		"verbs", a.engine.Verbs(),
		"rules_backend", rulesBackend(cfg),
		"nats", cfg.NATS.URL != "",
		"watch", a.watcher != nil,
	)
	return a, nil
}

// openRules opens the configured store and applies the seed rules.
func (a *app) openRules(ctx context.Context) error {
	if a.cfg.Rules.DSN == "" {
		store, err := rules.NewMemoryStore(a.cfg.Rules.Seed...)
		if err != nil {
			return fmt.Errorf("failed to seed rules: %w", err)
		}
		a.store = store
		return nil
	}

	store, err := rules.NewSQLiteStore(a.cfg.Rules.DSN)
	if err != nil {
		return fmt.Errorf("failed to open rule store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })
	for _, r := range a.cfg.Rules.Seed {
		if err := store.Upsert(ctx, r); err != nil {
			return fmt.Errorf("failed to seed rule %s: %w", r.Code, err)
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func rulesBackend(cfg *config.Config) string {
	if cfg.Rules.DSN == "" {
		return "memory"
	}
	return "sqlite"
}
