// Package config loads server settings from the environment, with an
// optional .env file underneath.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/shifta/marketplace-engine/engine"
	"github.com/shifta/marketplace-engine/ledger"
)

const devSecret = "dev-secret-do-not-use-in-production"

type Config struct {
	Env         string
	Port        string
	DBPath      string
	JWTSecret   string
	LogLevel    string
	LogPretty   bool
	CORSOrigins []string
	// RedisURL enables the shared rate limiter and the pub/sub
	// notification sink. Empty runs without Redis.
	RedisURL           string
	RateLimitPerMinute int

	RateFloor             decimal.Decimal
	Currency              ledger.Currency
	MatchRadiusKm         float64
	ClockInRadiusKm       float64
	ClockOutRadiusKm      float64
	PayoutDelay           time.Duration
	AutoApproveStartAfter time.Duration
	ReconcileGrace        time.Duration

	JobPollInterval   time.Duration
	JobMaxAttempts    int
	ReconcileInterval time.Duration
}

// IsDev reports whether the server runs in development mode, which allows a
// built-in JWT secret and the scenario loader.
func (c *Config) IsDev() bool { return c.Env == "dev" || c.Env == "development" }

// Load reads .env from the working directory or its parents when present,
// then the environment. Variables already set win over the file.
func Load() (*Config, error) {
	for _, p := range []string{".env", "../.env", "../../.env"} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			break
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables only.
func FromEnv() (*Config, error) {
	defaults := engine.DefaultConfig()

	var errs []error
	cfg := &Config{
		Env:         getEnv("APP_ENV", "dev"),
		Port:        getEnv("PORT", "8080"),
		DBPath:      getEnv("DB_PATH", "shifta.db"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogPretty:   getBool("LOG_PRETTY", false),
		CORSOrigins: getList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}),
		RedisURL:    getEnv("REDIS_URL", ""),

		RateLimitPerMinute: getInt("RATE_LIMIT_PER_MINUTE", 120, &errs),

		Currency:              ledger.Currency(getEnv("CURRENCY", string(defaults.Currency))),
		MatchRadiusKm:         getFloat("MATCH_RADIUS_KM", defaults.MatchRadiusKm, &errs),
		ClockInRadiusKm:       getFloat("CLOCK_IN_RADIUS_KM", defaults.ClockInRadiusKm, &errs),
		ClockOutRadiusKm:      getFloat("CLOCK_OUT_RADIUS_KM", defaults.ClockOutRadiusKm, &errs),
		PayoutDelay:           getDuration("PAYOUT_DELAY", defaults.PayoutDelay, &errs),
		AutoApproveStartAfter: getDuration("AUTO_APPROVE_START_AFTER", defaults.AutoApproveStartAfter, &errs),
		ReconcileGrace:        getDuration("RECONCILE_GRACE", defaults.ReconcileGrace, &errs),

		JobPollInterval:   getDuration("JOB_POLL_INTERVAL", 5*time.Second, &errs),
		JobMaxAttempts:    getInt("JOB_MAX_ATTEMPTS", 5, &errs),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", time.Hour, &errs),
	}

	cfg.RateFloor = defaults.RateFloor
	if v, ok := os.LookupEnv("RATE_FLOOR"); ok {
		d, err := decimal.NewFromString(v)
		if err != nil || !ledger.HasValidScale(d) || d.IsNegative() {
			errs = append(errs, fmt.Errorf("RATE_FLOOR: invalid amount %q", v))
		} else {
			cfg.RateFloor = d
		}
	}

	if cfg.JWTSecret == "" {
		if cfg.IsDev() {
			cfg.JWTSecret = devSecret
		} else {
			errs = append(errs, errors.New("JWT_SECRET is required outside dev"))
		}
	}
	if cfg.JobMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("JOB_MAX_ATTEMPTS: must be at least 1, got %d", cfg.JobMaxAttempts))
	}
	if cfg.RateLimitPerMinute < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_MINUTE: must not be negative, got %d", cfg.RateLimitPerMinute))
	}
	if cfg.JobPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("JOB_POLL_INTERVAL: must be positive, got %s", cfg.JobPollInterval))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// EngineConfig returns the policy values the engine runs with.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		RateFloor:             c.RateFloor,
		Currency:              c.Currency,
		MatchRadiusKm:         c.MatchRadiusKm,
		ClockInRadiusKm:       c.ClockInRadiusKm,
		ClockOutRadiusKm:      c.ClockOutRadiusKm,
		PayoutDelay:           c.PayoutDelay,
		AutoApproveStartAfter: c.AutoApproveStartAfter,
		ReconcileGrace:        c.ReconcileGrace,
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getInt(key string, fallback int, errs *[]error) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return parsed
}

func getFloat(key string, fallback float64, errs *[]error) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid distance %q", key, value))
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return parsed
}
