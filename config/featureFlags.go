package config

import (
	"os"
	"strings"
)

// EnvBool reads a boolean flag; 1/true/yes/y/on are true, 0/false/no/n/off are false, anything else is def.
func EnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

// LedgerVenuePaidHold keeps earnings of venue-paid claims in "venuepaid" until an explicit
// transfer releases them. Off by default: paid claims become "available" straight away.
//
// Set via env:
// - LEDGER_VENUEPAID_HOLD=true
func LedgerVenuePaidHold() bool {
	return EnvBool("LEDGER_VENUEPAID_HOLD", false)
}

// StripeAutoTransfer sends Connect transfers as soon as a venue invoice settles.
//
// Set via env:
// - STRIPE_AUTO_TRANSFER=true
func StripeAutoTransfer() bool {
	return EnvBool("STRIPE_AUTO_TRANSFER", false)
}

// IsProduction reports GO_ENV=production.
func IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}
