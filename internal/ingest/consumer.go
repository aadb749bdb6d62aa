package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/models"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "freight_dispatch",
		Name:      "consumer_messages_consumed_total",
		Help:      "Driver location messages consumed",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "freight_dispatch",
		Name:      "consumer_messages_invalid_total",
		Help:      "Malformed location messages dropped",
	})
	indexUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "freight_dispatch",
		Name:      "consumer_index_updates_total",
		Help:      "Successful location index updates",
	})
	indexErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "freight_dispatch",
		Name:      "consumer_index_errors_total",
		Help:      "Location index updates that failed after retries",
	})
)

// Consumer reads driver location updates off Kafka and applies them to
// the geospatial index and the driver status cache.
type Consumer struct {
	Reader    *kafka.Reader
	Index     geo.Index
	Status    geo.StatusCache
	StatusTTL time.Duration
	Logger    *slog.Logger
}

func NewConsumer(brokers []string, topic, group string, index geo.Index, status geo.StatusCache, statusTTL time.Duration, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return &Consumer{Reader: r, Index: index, Status: status, StatusTTL: statusTTL, Logger: logger}
}

// Run consumes until ctx is cancelled. Kafka read errors back off
// exponentially; a bad message is dropped, not retried.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var loc models.DriverLocation
		if err := json.Unmarshal(m.Value, &loc); err != nil || loc.DriverID == "" {
			msgsInvalid.Inc()
			c.Logger.Warn("invalid location message", "error", err)
			continue
		}

		if err := c.apply(ctx, loc, 3, 200*time.Millisecond); err != nil {
			indexErrors.Inc()
			c.Logger.Error("location update failed", "driver_id", loc.DriverID, "error", err)
			continue
		}
		indexUpdates.Inc()
	}
}

// apply writes one update to the index and status cache with retry and
// doubling delay between attempts.
func (c *Consumer) apply(ctx context.Context, loc models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = c.applyOnce(ctx, loc); err == nil {
			return nil
		}
	}
	return err
}

func (c *Consumer) applyOnce(ctx context.Context, loc models.DriverLocation) error {
	if !loc.Online {
		if err := c.Index.Remove(ctx, loc.DriverID); err != nil {
			return err
		}
		return c.Status.SetStatus(ctx, loc.DriverID, "OFFLINE", c.StatusTTL)
	}
	if err := c.Index.Upsert(ctx, loc.DriverID, loc.Loc); err != nil {
		return err
	}
	return c.Status.SetStatus(ctx, loc.DriverID, "ONLINE", c.StatusTTL)
}

func (c *Consumer) Close() error {
	if c.Reader == nil {
		return nil
	}
	return c.Reader.Close()
}
