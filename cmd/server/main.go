package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/emergency"
	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/feed"
	"github.com/example/trip-dispatch/internal/history"
	"github.com/example/trip-dispatch/internal/httpapi"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/matching"
	"github.com/example/trip-dispatch/internal/netmon"
	"github.com/example/trip-dispatch/internal/orchestrator"
	"github.com/example/trip-dispatch/internal/pool"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var drivers pool.Pool
	if cfg.RedisAddr != "" {
		drivers = pool.NewRedisPool(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.HeartbeatStaleness, cfg.OfferTTL*2)
		logger.Info("using redis driver pool", "addr", cfg.RedisAddr)
	} else {
		idx := pool.NewIndex(cfg.HeartbeatStaleness)
		go idx.RunSweeper(ctx, cfg.HeartbeatStaleness/2)
		drivers = idx
	}

	var store history.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, err := history.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		store = history.NewMemoryStore()
	}

	var fares orchestrator.FareFinalizer
	if os.Getenv("STRIPE_API_KEY") != "" {
		fares = fare.NewCollector(fare.NewStripeClient())
	}

	nm := netmon.NewMonitor(cfg.HeartbeatStaleness/2, cfg.HeartbeatStaleness, cfg.DegradedDeadlineFactor, cfg.OfflineDeadlineFactor)
	bus := events.NewBus(logger)
	wsreg := httpapi.NewWSRegistry()

	engine := matching.NewEngine(drivers, wsreg, nm, logger, cfg.MatchRadiusMeters, cfg.MatchCandidates, cfg.OfferTTL)
	orch := orchestrator.New(engine, drivers, bus, store, fares, cfg.PickupProximityM, logger)
	em := emergency.NewHandler(orch, logger)

	var mirror feed.Mirror
	if len(cfg.KafkaBrokers) > 0 {
		kp := feed.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() { _ = kp.Close() }()
		mirror = kp
	}
	adapter := feed.NewAdapter(drivers, orch, nm, mirror, 1024, logger)
	go adapter.Run(ctx)

	srv := httpapi.NewServer(orch, drivers, adapter, em, nm, wsreg, logger)
	go srv.ForwardEvents(bus.Subscribe("websocket", 256))

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("trip-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer func() { _ = db.Close() }()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_trips.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
	}
}
