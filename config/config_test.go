package config_test

import (
	"testing"
	"time"

	"github.com/shifta/marketplace-engine/config"
	"github.com/shifta/marketplace-engine/engine"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "shifta.db", cfg.DBPath)
	assert.NotEmpty(t, cfg.JWTSecret)
	assert.Equal(t, 5*time.Second, cfg.JobPollInterval)
	assert.Equal(t, 5, cfg.JobMaxAttempts)
	assert.Equal(t, time.Hour, cfg.ReconcileInterval)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)

	// Engine policy matches the built-in defaults
	assert.Equal(t, engine.DefaultConfig(), cfg.EngineConfig())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_PATH", ":memory:")
	t.Setenv("RATE_FLOOR", "3500.50")
	t.Setenv("CURRENCY", "GHS")
	t.Setenv("CLOCK_IN_RADIUS_KM", "1.5")
	t.Setenv("PAYOUT_DELAY", "2h")
	t.Setenv("AUTO_APPROVE_START_AFTER", "15m")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "30")

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.False(t, cfg.IsDev())
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "redis://localhost:6379/2", cfg.RedisURL)
	assert.Equal(t, 30, cfg.RateLimitPerMinute)

	ec := cfg.EngineConfig()
	assert.True(t, ec.RateFloor.Equal(ledger.MustParse("3500.50")))
	assert.Equal(t, ledger.Currency("GHS"), ec.Currency)
	assert.Equal(t, 1.5, ec.ClockInRadiusKm)
	assert.Equal(t, 2*time.Hour, ec.PayoutDelay)
	assert.Equal(t, 15*time.Minute, ec.AutoApproveStartAfter)
}

func TestFromEnv_Invalid(t *testing.T) {
	// GIVEN: Production mode without a secret and malformed values
	// WHEN: Loading
	// THEN: Every problem is reported at once
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("RATE_FLOOR", "12.345")
	t.Setenv("PAYOUT_DELAY", "tomorrow")
	t.Setenv("JOB_MAX_ATTEMPTS", "0")

	_, err := config.FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "RATE_FLOOR")
	assert.Contains(t, err.Error(), "PAYOUT_DELAY")
	assert.Contains(t, err.Error(), "JOB_MAX_ATTEMPTS")
}
