package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/freight-dispatch/internal/config"
	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/ingest"
	"github.com/example/freight-dispatch/internal/logging"
)

// driverStatusTTL bounds how long a driver stays ONLINE in the status
// cache without a fresh location message.
const driverStatusTTL = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger("info", "consumer").Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "consumer")

	// local-run fallbacks
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	ridx := geo.NewRedisIndex(rc, cfg.RedisGeoKey)

	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":2112"
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := ingest.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, ridx, ridx, driverStatusTTL, logger)
	defer c.Close()

	logger.Info("consuming", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	if err := c.Run(ctx); err != nil {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("consumer shut down")
}
