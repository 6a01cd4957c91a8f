package models

import "time"

// CardBinding ties a card fingerprint to exactly one user per venue. Rows are never updated.
type CardBinding struct {
	ID              int       `gorm:"primary_key" json:"id"`
	VenueId         int       `gorm:"not null;index:uniq_card_binding,unique,priority:1" json:"venue_id"`
	Fingerprint     string    `gorm:"size:128;not null;index:uniq_card_binding,unique,priority:2" json:"fingerprint"`
	UserId          string    `gorm:"size:64;not null;index" json:"user_id"`
	FirstClaimId    int       `gorm:"not null" json:"first_claim_id"`
	FirstPurchaseAt time.Time `gorm:"not null" json:"first_purchase_at"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// AutoClaimEligible reports whether a payment at paymentTime still earns automatically.
// goalDays <= 0 disables the limit.
func (b CardBinding) AutoClaimEligible(paymentTime time.Time, goalDays int) bool {
	if goalDays <= 0 {
		return true
	}
	return paymentTime.Before(b.FirstPurchaseAt.Add(time.Duration(goalDays) * 24 * time.Hour))
}
