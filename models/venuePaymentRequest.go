package models

import (
	"context"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PaymentRail string

const (
	PaymentRailHelloClever PaymentRail = "helloclever"
	PaymentRailZepto       PaymentRail = "zepto"
	PaymentRailStripe      PaymentRail = "stripe"
)

const (
	VenuePaymentStatusCreated = "created"
	VenuePaymentStatusPaid    = "paid"
	VenuePaymentStatusFailed  = "failed"
)

var paidStatusPattern = regexp.MustCompile(`(?i)paid|success|completed|settled`)

// IsPaidStatus recognises the provider status strings that mean the money arrived.
func IsPaidStatus(status string) bool {
	return status != "" && paidStatusPattern.MatchString(status)
}

// VenuePaymentRequest is one weekly invoice raised against a venue on one rail.
// WeekStart/WeekEnd bound the claims it pays for: [start, end).
type VenuePaymentRequest struct {
	ID               int             `gorm:"primary_key" json:"id"`
	VenueId          int             `gorm:"not null;index" json:"venue_id"`
	Rail             PaymentRail     `gorm:"size:20;not null" json:"rail"`
	OrderId          string          `gorm:"size:64;not null;uniqueIndex" json:"order_id"`
	ExternalId       *string         `gorm:"size:128;index" json:"external_id"`
	RedirectUrl      *string         `gorm:"type:text" json:"redirect_url"`
	Description      string          `gorm:"size:255" json:"description"`
	Currency         string          `gorm:"size:3;not null;default:aud" json:"currency"`
	WeekStart        time.Time       `gorm:"not null" json:"week_start"`
	WeekEnd          time.Time       `gorm:"not null" json:"week_end"`
	ClaimCount       int             `gorm:"not null" json:"claim_count"`
	TotalClaimAmount decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"total_claim_amount"`
	KickbackAmount   decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"kickback_amount"`
	PlatformFee      decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"platform_fee_amount"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Status           string          `gorm:"size:40;not null" json:"status"`
	PaidAt           *time.Time      `json:"paid_at"`
	SettledAt        *time.Time      `json:"settled_at"`
	ResponseJSON     []byte          `gorm:"type:json" json:"-"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// FindVenuePaymentRequest looks up by provider id first, then by our order id. nil, nil when neither matches.
func FindVenuePaymentRequest(ctx context.Context, db *gorm.DB, externalId, orderId string) (*VenuePaymentRequest, error) {
	var req VenuePaymentRequest
	if externalId != "" {
		err := db.WithContext(ctx).Where("external_id = ?", externalId).Take(&req).Error
		if err == nil {
			return &req, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
	}
	if orderId != "" {
		err := db.WithContext(ctx).Where("order_id = ?", orderId).Take(&req).Error
		if err == nil {
			return &req, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
	}
	return nil, nil
}
