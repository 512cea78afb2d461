// Command orderflow launches the order dispatch service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/calderane/orderflow/internal/config"
	"github.com/calderane/orderflow/internal/engine"
	"github.com/calderane/orderflow/internal/hub"
	"github.com/calderane/orderflow/internal/observability"
	"github.com/calderane/orderflow/internal/schema"
	httpserver "github.com/calderane/orderflow/internal/server/http"
	"github.com/calderane/orderflow/internal/store"
	"github.com/calderane/orderflow/internal/store/postgres"
	"github.com/calderane/orderflow/internal/strategy"
	"github.com/calderane/orderflow/lib/telemetry"
)

const (
	defaultConfigPath = "config/app.yaml"
	loggerPrefix      = "orderflow "

	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	engineShutdownTimeout    = 15 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, false))

	appCfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, store=%s, strategy=%s",
		appCfg.Environment, appCfg.Database.Driver, appCfg.Strategy.Mode)

	_, telemetryShutdown, err := telemetry.Init(ctx, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	if strings.TrimSpace(appCfg.Telemetry.OTLPEndpoint) != "" && appCfg.Telemetry.MetricsEnabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s",
			appCfg.Telemetry.OTLPEndpoint, appCfg.Telemetry.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}

	records, pool, err := buildStore(ctx, appCfg.Database, logger)
	if err != nil {
		logger.Fatalf("initialise store: %v", err)
	}
	if pool != nil {
		defer pool.Close()
	}

	strat, err := buildStrategy(appCfg.Strategy)
	if err != nil {
		logger.Fatalf("initialise strategy: %v", err)
	}

	statuses := hub.New(hub.Config{
		BufferSize:    appCfg.Hub.BufferSize,
		FanoutWorkers: appCfg.Hub.FanoutWorkers,
	}, snapshotFromStore(records))

	eng, err := engine.New(engine.Config{
		MaxConcurrentOrders: appCfg.Engine.MaxConcurrentOrders,
		OrderRateLimit:      appCfg.Engine.OrderRateLimit,
		OrderBurst:          appCfg.Engine.OrderBurst,
		RetryMaxAttempts:    appCfg.Engine.RetryMaxAttempts,
		RetryBackoff:        appCfg.Engine.RetryBackoffDuration(),
	}, records, strat, statuses)
	if err != nil {
		logger.Fatalf("initialise engine: %v", err)
	}

	resubmitted, err := resubmitPending(ctx, records, eng)
	if err != nil {
		logger.Fatalf("resubmit pending orders: %v", err)
	}
	if resubmitted > 0 {
		logger.Printf("resubmitted %d pending orders from store", resubmitted)
	}

	var lifecycle conc.WaitGroup

	apiServer := &http.Server{
		Addr:              appCfg.APIServer.Addr,
		Handler:           httpserver.NewHandler(records, eng, statuses, observability.Log()),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
	logger.Printf("order API listening on %s", apiServer.Addr)

	logger.Print("orderflow started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:    apiServer,
		engine:    eng,
		statuses:  statuses,
		lifecycle: &lifecycle,
		telemetry: telemetryShutdown,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func buildStore(ctx context.Context, cfg config.DatabaseConfig, logger *log.Logger) (store.OrderStore, *pgxpool.Pool, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres":
		if cfg.MigrateEnabled() {
			if err := postgres.Migrate(ctx, cfg.DSN, logger); err != nil {
				return nil, nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return postgres.NewStore(pool), pool, nil
	default:
		return store.NewMemoryStore(), nil, nil
	}
}

func buildStrategy(cfg config.StrategyConfig) (strategy.ExecutionStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "script":
		source, err := os.ReadFile(cfg.ScriptPath) // #nosec G304 -- path is operator controlled.
		if err != nil {
			return nil, fmt.Errorf("read strategy script: %w", err)
		}
		return strategy.NewScript(cfg.ScriptPath, string(source))
	default:
		basePrice := decimal.Zero
		if trimmed := strings.TrimSpace(cfg.Simulator.BasePrice); trimmed != "" {
			parsed, err := decimal.NewFromString(trimmed)
			if err != nil {
				return nil, fmt.Errorf("parse simulator basePrice: %w", err)
			}
			basePrice = parsed
		}
		return strategy.NewSimulator(strategy.SimulatorConfig{
			MinDelay:    cfg.Simulator.MinDelayDuration(),
			MaxDelay:    cfg.Simulator.MaxDelayDuration(),
			FailureRate: cfg.Simulator.FailureRate,
			BasePrice:   basePrice,
			Seed:        cfg.Simulator.Seed,
		}), nil
	}
}

func snapshotFromStore(records store.OrderStore) hub.SnapshotFunc {
	return func(ctx context.Context, orderID string) (schema.StatusUpdate, error) {
		order, err := records.Get(ctx, orderID)
		if err != nil {
			return schema.StatusUpdate{}, err
		}
		return order.Snapshot(), nil
	}
}

// resubmitPending requeues orders a previous process left in PENDING state.
func resubmitPending(ctx context.Context, records store.OrderStore, eng *engine.Engine) (int, error) {
	pending, err := records.ListByStatus(ctx, schema.OrderStatusPending)
	if err != nil {
		return 0, err
	}
	for i, order := range pending {
		if err := eng.Submit(order); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}

type gracefulShutdownConfig struct {
	server    *http.Server
	engine    *engine.Engine
	statuses  *hub.Hub
	lifecycle *conc.WaitGroup
	telemetry func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.engine != nil {
		shutdownStep("draining dispatch engine", engineShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.engine.Shutdown(stepCtx)
		})
	}

	if cfg.statuses != nil {
		shutdownStep("closing status hub", time.Second, func(context.Context) error {
			cfg.statuses.Close()
			return nil
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}
