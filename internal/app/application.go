// Package app wires the QAWave components into a runnable application.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/events"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/httpapi"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/metrics"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/services/ai"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/services/evaluation"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/services/generation"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/services/orchestrator"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/services/packages"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/storage"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/storage/memory"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/storage/postgres"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/config"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/execution"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/resilience"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/specfetch"
	"github.com/hermanngeorge15/qawave-automation-sub000/pkg/logger"
)

// AIProviderDependency names the gateway guarding the completion provider.
const AIProviderDependency = "ai-provider"

// Application owns the assembled components and their lifecycle.
type Application struct {
	cfg       config.Config
	log       *logger.Logger
	store     storage.PackageStore
	registry  *resilience.Registry
	events    *events.MemoryLogger
	scheduler *orchestrator.Scheduler
	server    *http.Server
	cleanup   []func() error
}

// New assembles the application from configuration. Postgres and Redis are
// used when configured, with in-memory fallbacks for single-instance runs.
func New(ctx context.Context, cfg config.Config) (*Application, error) {
	log := logger.NewDefault("app")

	a := &Application{cfg: cfg, log: log}

	store, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store

	claims, err := a.buildClaims()
	if err != nil {
		return nil, err
	}

	a.events = events.NewMemoryLogger(1000)
	a.registry = resilience.NewRegistry(resilience.ContentGenerator{}, logger.NewDefault("resilience"))

	gw := a.registry.Register(AIProviderDependency, cfg.Resilience.Policy())
	gw.SetObserver(metrics.GatewayObserver{})
	gw.Breaker().OnStateChange(func(_, to resilience.CircuitState) {
		metrics.SetCircuitState(AIProviderDependency, to)
	})

	aiClient := ai.NewHTTPClient(ai.Config{
		BaseURL: cfg.AI.BaseURL,
		APIKey:  cfg.AI.APIKey,
		Model:   cfg.AI.Model,
		Timeout: cfg.AI.Timeout,
	})

	genSvc := generation.New(gw, aiClient, cfg.AI.Model, logger.NewDefault("generation"))
	evalSvc := evaluation.New(gw, aiClient, logger.NewDefault("evaluation"))

	policy, err := config.LoadStagePolicy(cfg.StagePolicyFile)
	if err != nil {
		return nil, err
	}

	pkgSvc := packages.New(store, a.events, logger.NewDefault("packages"))
	pkgSvc.SetDefaultConfig(policy.Defaults)

	orchSvc := orchestrator.New(
		store,
		claims,
		specfetch.NewHTTPFetcher(0, 0),
		genSvc,
		evalSvc,
		execution.NewHTTPRunner(policy.Defaults.ScenarioTimeout, logger.NewDefault("execution")),
		a.events,
		logger.NewDefault("orchestrator"),
	)

	a.scheduler = orchestrator.NewScheduler(orchSvc, cfg.SweepInterval, logger.NewDefault("scheduler"))

	handler := httpapi.New(pkgSvc, orchSvc, a.events, a.registry, logger.NewDefault("httpapi"))
	a.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

func (a *Application) buildStore(ctx context.Context) (storage.PackageStore, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("no DATABASE_URL configured, using in-memory store")
		return memory.New(), nil
	}

	store, err := postgres.Open(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	a.cleanup = append(a.cleanup, store.Close)
	a.log.Info("postgres store ready")
	return store, nil
}

func (a *Application) buildClaims() (orchestrator.Claims, error) {
	if a.cfg.RedisURL == "" {
		return orchestrator.NewMemoryClaims(), nil
	}

	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	a.cleanup = append(a.cleanup, client.Close)
	a.log.Info("redis-backed claims ready")
	return orchestrator.NewRedisClaims(client, 0), nil
}

// Run starts the scheduler and HTTP server and blocks until the context is
// cancelled, then shuts both down.
func (a *Application) Run(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.cfg.HTTPAddr).Info("http server listening")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.shutdown()
		return err
	}

	return a.shutdown()
}

func (a *Application) shutdown() error {
	a.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := a.server.Shutdown(shutdownCtx)

	for _, fn := range a.cleanup {
		if cerr := fn(); cerr != nil && err == nil {
			err = cerr
		}
	}
	a.log.Info("application stopped")
	return err
}
