package engine

import (
	"time"

	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shopspring/decimal"
)

// Config holds the policy values of the marketplace.
type Config struct {
	// RateFloor is the minimum hourly rate a shift may offer.
	RateFloor decimal.Decimal
	Currency  ledger.Currency

	MatchRadiusKm    float64
	ClockInRadiusKm  float64
	ClockOutRadiusKm float64

	// PayoutDelay separates clock-out from settlement.
	PayoutDelay time.Duration
	// AutoApproveStartAfter approves attendance on the facility's behalf
	// after this long. Zero disables it.
	AutoApproveStartAfter time.Duration
	// ReconcileGrace is how late past PayoutDelay an unsettled clock-out
	// must be before the sweep re-enqueues its payout.
	ReconcileGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		RateFloor:        decimal.RequireFromString("2000.00"),
		Currency:         ledger.CurrencyNGN,
		MatchRadiusKm:    20,
		ClockInRadiusKm:  2.0,
		ClockOutRadiusKm: 0.5,
		PayoutDelay:      24 * time.Hour,
		ReconcileGrace:   time.Hour,
	}
}
