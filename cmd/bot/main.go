// Package main is the entry point of the box spread bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/alert"
	"github.com/your-org/box-spread-bot/internal/audit"
	"github.com/your-org/box-spread-bot/internal/config"
	"github.com/your-org/box-spread-bot/internal/dbwriter"
	"github.com/your-org/box-spread-bot/internal/decision"
	"github.com/your-org/box-spread-bot/internal/engine"
	"github.com/your-org/box-spread-bot/internal/executor"
	"github.com/your-org/box-spread-bot/internal/http/handler"
	"github.com/your-org/box-spread-bot/internal/indicator"
	"github.com/your-org/box-spread-bot/internal/market"
	"github.com/your-org/box-spread-bot/internal/metrics"
	"github.com/your-org/box-spread-bot/internal/pnl"
	"github.com/your-org/box-spread-bot/internal/position"
	"github.com/your-org/box-spread-bot/internal/spread"
	"github.com/your-org/box-spread-bot/internal/strategy"
	"github.com/your-org/box-spread-bot/pkg/logger"
)

func main() {
	// --- Configuration ---
	configPath := flag.String("config", "config/config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger ---
	logger.SetGlobalLogLevel(cfg.LogLevel)
	defer logger.Sync()
	zapLogger := logger.L()
	logger.Info("Box spread bot starting...")
	logger.Infof("Loaded configuration from: %s", *configPath)
	logger.Infof("Strategy: %s, execution mode: %s", cfg.StrategyID, cfg.ExecutionMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, cfg, zapLogger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Bot stopped with error: %v", err)
	}
	logger.Info("Box spread bot shut down gracefully.")
}

func run(ctx context.Context, configPath string, cfg *config.Config, zapLogger *zap.Logger) error {
	set, err := cfg.LegSet()
	if err != nil {
		return err
	}
	for _, l := range set.Legs {
		logger.Infof("Leg %s", l)
	}

	m := metrics.New()
	tracker := position.NewTracker()
	pnlCalc := pnl.NewCalculator()

	// --- Market data ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.MarketData.RedisAddr,
		Password: cfg.MarketData.RedisPassword,
		DB:       cfg.MarketData.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach market data redis at %s: %w", cfg.MarketData.RedisAddr, err)
	}
	source, err := market.NewRedisSource(rdb, market.RedisSourceConfig{
		KeyPrefix:     cfg.MarketData.KeyPrefix,
		PricingMethod: cfg.MarketData.PricingMethod,
		DepthLevels:   cfg.MarketData.DepthLevels,
		MaxAge:        cfg.MarketData.MaxAge(),
	})
	if err != nil {
		return err
	}
	observer := market.NewObserver(source, market.ObserverConfig{
		Period:     cfg.Observation.ContinuousPeriod(),
		StaleAfter: cfg.Observation.StaleAfter(),
		EWMALambda: cfg.Observation.EWMALambda,
	}, zapLogger)

	// --- TimescaleDB Writer (Optional) ---
	var dbWriter dbwriter.DBWriter
	var pool *pgxpool.Pool
	if dsn := cfg.Database.DSN(); dsn != "" {
		if err := dbwriter.Migrate(dsn, zapLogger); err != nil {
			return err
		}
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()
		dbWriter, err = dbwriter.NewTimescaleWriter(pool, cfg.DBWriter, zapLogger)
		if err != nil {
			return err
		}
		restorePnL(ctx, dbWriter, cfg, pnlCalc)
		logger.Info("TimescaleDB writer initialized successfully.")
	} else {
		dbWriter = dbwriter.NewDummyWriter(logger.NewLogger(cfg.LogLevel))
		logger.Info("Database not configured, audit records are logged only.")
	}
	defer dbWriter.Close()

	recorder := audit.NewRecorder(dbWriter, cfg.StrategyID, 1024, m, zapLogger)
	defer recorder.Close()

	// --- Broker ---
	var broker engine.Broker
	switch cfg.ExecutionMode {
	case config.ModeSimulation:
		broker = engine.NewInstrumentedBroker(engine.NewSimulatedBroker(source, dbWriter, zapLogger), "Simulation", cfg.IOC.Timeout(), zapLogger, m)
	default:
		return fmt.Errorf("execution mode %s has no broker adapter", cfg.ExecutionMode)
	}

	// --- Strategy ---
	calc := spread.New(cfg.Spread.Tick)
	params := strategy.ConfigParams(cfg)
	decider := decision.NewEngine(observer, decision.Config{
		Window: cfg.Observation.Window(),
		Period: cfg.Observation.SamplePeriod(),
		Trend: indicator.TrendConfig{
			MinSamples:         cfg.Observation.MinSamples,
			StabilityThreshold: cfg.Observation.StabilityThreshold,
		},
	}, zapLogger)

	entryModify := executor.NewModify(broker, observer, calc, executor.ModifyConfig{
		MaxAttempts:    cfg.Modify.Entry.MaxAttempts,
		RetryInterval:  cfg.Modify.Entry.RetryInterval(),
		ConcurrentLegs: cfg.Modify.ConcurrentLegs.Bool(),
	}, zapLogger)
	exitModify := executor.NewModify(broker, observer, calc, executor.ModifyConfig{
		MaxAttempts:    cfg.Modify.Exit.MaxAttempts,
		RetryInterval:  cfg.Modify.Exit.RetryInterval(),
		ConcurrentLegs: cfg.Modify.ConcurrentLegs.Bool(),
	}, zapLogger)
	ioc := executor.NewIOC(broker, observer, calc, executor.IOCConfig{
		MaxAttempts:   cfg.IOC.MaxAttempts,
		RetryInterval: cfg.IOC.RetryInterval(),
		Timeout:       cfg.IOC.Timeout(),
	}, m, zapLogger)

	pairs := strategy.NewPairExecutor(entryModify, exitModify, ioc, tracker, pnlCalc, m, zapLogger)
	cycle := strategy.NewCycle(decider, pairs, observer, calc, params, recorder, m, zapLogger)
	exits := strategy.NewExitCoordinator(cycle, set, tracker, params, zapLogger)

	notifier := alert.NewLogNotifier(zapLogger, 10*time.Second)
	defer notifier.Close()

	runner := strategy.NewRunner(strategy.RunnerConfig{
		StrategyID:   cfg.StrategyID,
		PollInterval: cfg.Profit.PollInterval(),
	}, strategy.RunnerDeps{
		Set:      set,
		Observer: observer,
		Pricer:   observer,
		Cycle:    cycle,
		Exits:    exits,
		Tracker:  tracker,
		PnL:      pnlCalc,
		Params:   params,
		DBWriter: dbWriter,
		Notifier: notifier,
		Metrics:  m,
	}, zapLogger)

	// --- HTTP Server ---
	checks := []handler.HealthCheck{func() error { return rdb.Ping(ctx).Err() }}
	if pool != nil {
		checks = append(checks, func() error { return pool.Ping(ctx) })
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handler.NewHealthHandler(checks...))
	r.Method(http.MethodGet, "/metrics", m.Handler())
	handler.NewPositionsHandler(tracker, pnlCalc).RegisterRoutes(r)
	handler.NewMarketHandler(observer, set.Buy.Name(), set.Sell.Name()).RegisterRoutes(r)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("HTTP server starting on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server failed: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("HTTP server shutdown: %v", err)
		}
	}()

	// --- Hot reload ---
	go func() {
		err := config.Watch(ctx, configPath, 200*time.Millisecond, func(prev, next *config.Config) {
			if prev != nil && prev.RunState != next.RunState {
				logger.Infof("Run state changed: %s -> %s", prev.RunState, next.RunState)
			}
		})
		if err != nil {
			logger.Errorf("Config hot reload disabled: %v", err)
		}
	}()

	return runner.Run(ctx, strategy.UsersFromConfig(cfg, set))
}

// restorePnL seeds the realized PnL of every user from the last stored summary.
func restorePnL(ctx context.Context, w dbwriter.DBWriter, cfg *config.Config, calc *pnl.Calculator) {
	tw, ok := w.(*dbwriter.TimescaleWriter)
	if !ok {
		return
	}
	for _, id := range cfg.UserIDs() {
		v, err := tw.LastRealizedPnL(ctx, cfg.StrategyID, id)
		if err != nil {
			logger.Warnf("Failed to restore realized PnL of %s: %v", id, err)
			continue
		}
		calc.Restore(id, v)
		logger.Infof("Restored realized PnL of %s: %.2f", id, v)
	}
}
