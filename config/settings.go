package config

import (
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
)

const (
	HappyHourModeOverride = "override"
	HappyHourModeAdd      = "add"
)

// SettlementSettings are the tunables shared by matching, rates and payouts.
type SettlementSettings struct {
	GoalDays            int
	MatchWindow         time.Duration
	LinkSearchWindow    time.Duration
	SyncDefaultLookback time.Duration
	SyncOverlap         time.Duration
	SquarePageLimit     int

	DefaultGuestRate    decimal.Decimal
	DefaultReferrerRate decimal.Decimal
	HappyHourRate       decimal.Decimal
	HappyHourMode       string
	RateLocation        *time.Location

	PlatformFeeRate decimal.Decimal
	WeeklyPayoutMin decimal.Decimal
	DefaultCurrency string
}

// Settings reads the env on every call; nothing here is hot enough to need caching.
func Settings() SettlementSettings {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("HAPPY_HOUR_MODE")))
	if mode != HappyHourModeAdd {
		mode = HappyHourModeOverride
	}
	currency := strings.ToLower(strings.TrimSpace(os.Getenv("DEFAULT_CURRENCY")))
	if currency == "" {
		currency = "aud"
	}
	return SettlementSettings{
		GoalDays:            intFromEnv("GOAL_DAYS", 30),
		MatchWindow:         time.Duration(intFromEnv("MATCH_WINDOW_MINUTES", 5)) * time.Minute,
		LinkSearchWindow:    time.Duration(intFromEnv("SQUARE_LINK_SEARCH_MINUTES", 10)) * time.Minute,
		SyncDefaultLookback: time.Duration(intFromEnv("SQUARE_SYNC_DEFAULT_HOURS", 24)) * time.Hour,
		SyncOverlap:         time.Duration(intFromEnv("SQUARE_SYNC_OVERLAP_MINUTES", 10)) * time.Minute,
		SquarePageLimit:     intFromEnv("SQUARE_PAGE_LIMIT", 200),

		DefaultGuestRate:    decimalFromEnv("DEFAULT_GUEST_RATE", 5),
		DefaultReferrerRate: decimalFromEnv("DEFAULT_REFERRER_RATE", 5),
		HappyHourRate:       decimalFromEnv("HAPPY_HOUR_RATE", 10),
		HappyHourMode:       mode,
		RateLocation:        locationFromEnv("RATE_TIMEZONE", "Australia/Sydney"),

		PlatformFeeRate: decimalFromEnv("PLATFORM_FEE_RATE", 2),
		WeeklyPayoutMin: decimalFromEnv("WEEKLY_PAYOUT_MIN", 20),
		DefaultCurrency: currency,
	}
}

func decimalFromEnv(key string, def int64) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return decimal.NewFromInt(def)
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return decimal.NewFromInt(def)
	}
	return d
}

func locationFromEnv(key string, def string) *time.Location {
	name := strings.TrimSpace(os.Getenv(key))
	if name == "" {
		name = def
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		GetLogger().WithField("timezone", name).Error("unknown timezone; falling back to UTC")
		return time.UTC
	}
	return loc
}
