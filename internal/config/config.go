package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures all tunable parameters for the dispatch engine and its
// collaborators. Values are primarily loaded from environment variables
// with sane defaults so the binary can run locally without excessive setup.
type Config struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN string

	Matching  Matching
	Wallet    Wallet
	Scheduler Scheduler

	LogLevel      string
	RunMigrations bool
}

// Matching holds the wave-search and offer/request expiry knobs.
type Matching struct {
	Wave1RadiusKm   float64
	Wave2RadiusKm   float64
	Wave3RadiusKm   float64
	DefaultRadiusKm float64
	WaveLimit       int

	OfferTTL      time.Duration
	RequestTTL    time.Duration
	AcceptLockTTL time.Duration

	ScheduledRadiusKm     float64
	ReminderOffsets       []time.Duration
	ConfirmWindow         time.Duration
	AvailabilityRetention time.Duration
}

// WaveRadiusKm maps a wave number to its search radius. Unconfigured
// waves fall back to the default maximum radius.
func (m Matching) WaveRadiusKm(wave int) float64 {
	switch wave {
	case 1:
		return m.Wave1RadiusKm
	case 2:
		return m.Wave2RadiusKm
	case 3:
		return m.Wave3RadiusKm
	default:
		return m.DefaultRadiusKm
	}
}

// Wallet holds the per-tier commission rates and credit-limit ceilings.
type Wallet struct {
	CommissionFree    float64
	CommissionPro     float64
	CommissionPremium float64

	CreditLimitFree    float64
	CreditLimitPro     float64
	CreditLimitPremium float64
}

// Scheduler holds the background-job enable flag and per-job intervals.
type Scheduler struct {
	Enabled          bool
	ReminderInterval time.Duration
	RematchInterval  time.Duration
	ExpiryInterval   time.Duration
	CleanupInterval  time.Duration
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers:online",
		KafkaTopic:      "driver-locations",
		KafkaGroup:      "freight-dispatch-consumer",
		Matching: Matching{
			Wave1RadiusKm:         3,
			Wave2RadiusKm:         5,
			Wave3RadiusKm:         10,
			DefaultRadiusKm:       10,
			WaveLimit:             10,
			OfferTTL:              60 * time.Second,
			RequestTTL:            15 * time.Minute,
			AcceptLockTTL:         10 * time.Second,
			ScheduledRadiusKm:     50,
			ReminderOffsets:       []time.Duration{60 * time.Minute, 15 * time.Minute},
			ConfirmWindow:         30 * time.Minute,
			AvailabilityRetention: 24 * time.Hour,
		},
		Wallet: Wallet{
			CommissionFree:     0.15,
			CommissionPro:      0.10,
			CommissionPremium:  0.05,
			CreditLimitFree:    500,
			CreditLimitPro:     1000,
			CreditLimitPremium: 2000,
		},
		Scheduler: Scheduler{
			Enabled:          true,
			ReminderInterval: 5 * time.Minute,
			RematchInterval:  10 * time.Minute,
			ExpiryInterval:   2 * time.Minute,
			CleanupInterval:  time.Hour,
		},
		LogLevel: "info",
	}
}

func Load() (Config, error) {
	cfg := defaultConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.Matching.Wave1RadiusKm, "MATCH_WAVE1_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.Matching.Wave2RadiusKm, "MATCH_WAVE2_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.Matching.Wave3RadiusKm, "MATCH_WAVE3_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.Matching.DefaultRadiusKm, "MATCH_DEFAULT_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.Matching.WaveLimit, "MATCH_WAVE_LIMIT", &errs)
	setSecondsFromEnv(&cfg.Matching.OfferTTL, "OFFER_TTL_SECONDS", &errs)
	setMinutesFromEnv(&cfg.Matching.RequestTTL, "REQUEST_TTL_MINUTES", &errs)
	setSecondsFromEnv(&cfg.Matching.AcceptLockTTL, "ACCEPT_LOCK_TTL_SECONDS", &errs)
	setFloatFromEnv(&cfg.Matching.ScheduledRadiusKm, "SCHEDULED_RADIUS_KM", &errs)
	setMinutesFromEnv(&cfg.Matching.ConfirmWindow, "SCHEDULED_CONFIRM_WINDOW_MINUTES", &errs)
	setDurationFromEnv(&cfg.Matching.AvailabilityRetention, "AVAILABILITY_RETENTION", &errs)

	if v := os.Getenv("SCHEDULED_REMINDER_MINUTES"); v != "" {
		offsets, err := parseMinuteList(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid SCHEDULED_REMINDER_MINUTES: %w", err))
		} else {
			cfg.Matching.ReminderOffsets = offsets
		}
	}

	setFloatFromEnv(&cfg.Wallet.CommissionFree, "COMMISSION_RATE_FREE", &errs)
	setFloatFromEnv(&cfg.Wallet.CommissionPro, "COMMISSION_RATE_PRO", &errs)
	setFloatFromEnv(&cfg.Wallet.CommissionPremium, "COMMISSION_RATE_PREMIUM", &errs)
	setFloatFromEnv(&cfg.Wallet.CreditLimitFree, "CREDIT_LIMIT_FREE", &errs)
	setFloatFromEnv(&cfg.Wallet.CreditLimitPro, "CREDIT_LIMIT_PRO", &errs)
	setFloatFromEnv(&cfg.Wallet.CreditLimitPremium, "CREDIT_LIMIT_PREMIUM", &errs)

	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = strings.EqualFold(v, "true")
	}
	setDurationFromEnv(&cfg.Scheduler.ReminderInterval, "SCHEDULER_REMINDER_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Scheduler.RematchInterval, "SCHEDULER_REMATCH_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Scheduler.ExpiryInterval, "SCHEDULER_EXPIRY_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Scheduler.CleanupInterval, "SCHEDULER_CLEANUP_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Matching.WaveLimit <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_WAVE_LIMIT must be > 0"))
	}
	if cfg.Matching.Wave1RadiusKm > cfg.Matching.Wave2RadiusKm || cfg.Matching.Wave2RadiusKm > cfg.Matching.Wave3RadiusKm {
		errs = append(errs, fmt.Errorf("wave radii must be non-decreasing"))
	}

	return cfg, errors.Join(errs...)
}

func parseMinuteList(v string) ([]time.Duration, error) {
	parts := splitAndTrim(v)
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		m, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		if m <= 0 {
			return nil, fmt.Errorf("offset %d must be > 0", m)
		}
		out = append(out, time.Duration(m)*time.Minute)
	}
	return out, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setSecondsFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = time.Duration(n) * time.Second
	}
}

func setMinutesFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = time.Duration(n) * time.Minute
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
