package reconcile

import (
	"strings"
	"time"
)

const PaymentStatusCompleted = "COMPLETED"

// Payment is a card payment as reported by the payment source. AmountCents is in minor units.
type Payment struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Last4       string    `json:"last4"`
	Fingerprint string    `json:"fingerprint"`
	LocationId  string    `json:"location_id"`
	OrderId     string    `json:"order_id"`
	MerchantId  string    `json:"merchant_id"`
	Time        time.Time `json:"time"`
}

// Matchable is false for payments that are missing a field matching needs
// or that carry a status other than COMPLETED.
func (p Payment) Matchable() bool {
	if p.ID == "" || strings.TrimSpace(p.Last4) == "" || p.Fingerprint == "" {
		return false
	}
	if p.AmountCents <= 0 || p.Time.IsZero() {
		return false
	}
	if p.Status != "" && !strings.EqualFold(p.Status, PaymentStatusCompleted) {
		return false
	}
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
