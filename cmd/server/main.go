package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/freight-dispatch/internal/config"
	"github.com/example/freight-dispatch/internal/dispatch"
	"github.com/example/freight-dispatch/internal/geo"
	httpapi "github.com/example/freight-dispatch/internal/http"
	"github.com/example/freight-dispatch/internal/ingest"
	"github.com/example/freight-dispatch/internal/jobs"
	"github.com/example/freight-dispatch/internal/lock"
	"github.com/example/freight-dispatch/internal/logging"
	"github.com/example/freight-dispatch/internal/match"
	"github.com/example/freight-dispatch/internal/notify"
	"github.com/example/freight-dispatch/internal/schedule"
	"github.com/example/freight-dispatch/internal/storage"
	"github.com/example/freight-dispatch/internal/tracker"
	"github.com/example/freight-dispatch/internal/trips"
	"github.com/example/freight-dispatch/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger("info", "server").Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "server")

	// Redis backs the location index, status cache, acceptance locks
	// and pending-offer sets; without it everything runs in memory.
	var (
		index  geo.Index
		status geo.StatusCache
		locks  lock.Locker
		offers tracker.OfferTracker
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		ridx := geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		index, status = ridx, ridx
		locks = lock.NewRedisLocker(rc)
		offers = tracker.NewRedisTracker(rc)
		defer rc.Close()
	} else {
		logger.Warn("REDIS_ADDR unset, using in-memory location index and locks")
		index = geo.NewMemoryIndex()
		status = geo.NewMemoryStatusCache()
		locks = lock.NewMemoryLocker()
		offers = tracker.NewMemoryTracker()
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			migrate(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN unset, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	wsreg := notify.NewWSRegistry()
	var notifier notify.Notifier = wsreg
	if ep := os.Getenv("FCM_ENDPOINT"); ep != "" {
		notifier = notify.Fanout{wsreg, notify.NewFCMNotifier(ep, os.Getenv("FCM_KEY"))}
	}

	walletSvc := wallet.NewService(store, cfg.Wallet, logging.NewLogger(cfg.LogLevel, "wallet"))
	tripSvc := trips.NewService(store, walletSvc, notifier, logging.NewLogger(cfg.LogLevel, "trips"))
	engine := dispatch.NewEngine(index, store, offers, walletSvc, notifier, cfg.Matching, logging.NewLogger(cfg.LogLevel, "dispatch"))
	coord := match.NewCoordinator(store, locks, offers, tripSvc, notifier, cfg.Matching.AcceptLockTTL, logging.NewLogger(cfg.LogLevel, "match"))
	assigner := schedule.NewAssigner(store, index, walletSvc, notifier, cfg.Matching, logging.NewLogger(cfg.LogLevel, "schedule"))

	var sched *jobs.Scheduler
	if cfg.Scheduler.Enabled {
		runner := &jobs.Runner{
			Store: store, Status: status, Locks: locks, Tracker: offers,
			Engine: engine, Trips: tripSvc,
			Notifier: notifier, Cfg: cfg.Matching,
			Logger: logging.NewLogger(cfg.LogLevel, "jobs"),
			Now:    time.Now,
		}
		sched = jobs.NewScheduler(runner, cfg.Scheduler, logging.NewLogger(cfg.LogLevel, "scheduler"))
		if err := sched.Start(); err != nil {
			logger.Error("scheduler start failed", "error", err)
			os.Exit(1)
		}
	}

	srv := httpapi.NewServer(store, index, status, engine, coord, assigner, tripSvc, walletSvc, producer, wsreg, logging.NewLogger(cfg.LogLevel, "http"))
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if sched != nil {
		sched.Stop()
	}
}

func migrate(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch_tables.sql"))
	if err != nil {
		logger.Error("migration read failed", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
	}
}
