package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ClaimSource string

const (
	ClaimSourceManual ClaimSource = "manual"
	ClaimSourceAuto   ClaimSource = "auto"
	ClaimSourceSync   ClaimSource = "sync"
)

// Claim is a purchase report made by a guest (manual) or created from a bound card payment (auto/sync).
// Rates are frozen at creation; later venue changes never touch existing claims.
type Claim struct {
	ID                int             `gorm:"primary_key" json:"id"`
	VenueId           int             `gorm:"not null;index;index:idx_claim_venue_status,priority:1" json:"venue_id"`
	SubmitterId       string          `gorm:"size:64;not null;index" json:"submitter_id"`
	ReferrerId        *string         `gorm:"size:64;index" json:"referrer_id"`
	ReferrerCode      *string         `gorm:"size:16" json:"referrer_code"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Currency          string          `gorm:"size:3;not null;default:aud" json:"currency"`
	Last4             string          `gorm:"type:char(4);not null" json:"last4"`
	PurchasedAt       time.Time       `gorm:"not null;index;index:idx_claim_venue_status,priority:3" json:"purchased_at"`
	GuestRate         decimal.Decimal `gorm:"type:decimal(6,2);not null" json:"guest_rate"`
	ReferrerRate      decimal.Decimal `gorm:"type:decimal(6,2);not null" json:"referrer_rate"`
	Status            ClaimStatus     `gorm:"size:20;not null;index;index:idx_claim_venue_status,priority:2" json:"status"`
	Source            ClaimSource     `gorm:"size:10;not null;default:manual" json:"source"`
	ProviderPaymentId *string         `gorm:"size:128;uniqueIndex" json:"provider_payment_id"`
	ProviderOrderId   *string         `gorm:"size:128" json:"provider_order_id"`
	CardFingerprint   *string         `gorm:"size:128;index" json:"card_fingerprint"`
	LocationId        *string         `gorm:"size:64" json:"location_id"`
	LinkedAt          *time.Time      `json:"linked_at"`
	PaidAt            *time.Time      `json:"paid_at"`
	SettlementRef     *string         `gorm:"size:128" json:"settlement_ref"`
	StatusReason      *string         `gorm:"type:text" json:"status_reason"`
	CreatedAt         time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c Claim) HasReferrer() bool {
	return c.ReferrerId != nil && *c.ReferrerId != ""
}

func (c Claim) IsLinked() bool {
	return c.ProviderPaymentId != nil && *c.ProviderPaymentId != ""
}

// RolesHeldBy lists the earning roles userId holds on this claim (a user can be both).
func (c Claim) RolesHeldBy(userId string) []EarningRole {
	var roles []EarningRole
	if c.SubmitterId == userId {
		roles = append(roles, EarningRoleGuest)
	}
	if c.HasReferrer() && *c.ReferrerId == userId {
		roles = append(roles, EarningRoleReferrer)
	}
	return roles
}

func GetClaim(ctx context.Context, db *gorm.DB, id int) (*Claim, error) {
	var c Claim
	err := db.WithContext(ctx).Where("id = ?", id).Take(&c).Error
	if err == gorm.ErrRecordNotFound {
		return nil, utils.NewNotFoundError("claim", id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindClaimByPaymentId returns nil, nil when no claim is linked to the payment.
func FindClaimByPaymentId(ctx context.Context, db *gorm.DB, paymentId string) (*Claim, error) {
	var c Claim
	err := db.WithContext(ctx).Where("provider_payment_id = ?", paymentId).Take(&c).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindFirstClaimAtVenue is the user's earliest claim at a venue; auto-claims inherit its referrer.
func FindFirstClaimAtVenue(ctx context.Context, db *gorm.DB, venueId int, userId string) (*Claim, error) {
	var c Claim
	err := db.WithContext(ctx).
		Where("venue_id = ? AND submitter_id = ?", venueId, userId).
		Order("created_at ASC, id ASC").
		Take(&c).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListPendingUnlinkedClaims feeds batch matching for a venue and purchase window.
func ListPendingUnlinkedClaims(ctx context.Context, db *gorm.DB, venueId int, from, to time.Time) ([]Claim, error) {
	var claims []Claim
	err := db.WithContext(ctx).
		Where("venue_id = ? AND status = ? AND provider_payment_id IS NULL", venueId, ClaimStatusPending).
		Where("purchased_at >= ? AND purchased_at <= ?", from, to).
		Order("created_at ASC, id ASC").
		Find(&claims).Error
	return claims, err
}
