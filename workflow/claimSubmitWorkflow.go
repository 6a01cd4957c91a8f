package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	MaxManualClaimAge    = 24 * time.Hour
	MaxPurchaseClockSkew = 60 * time.Second
)

type NewClaim struct {
	VenueId      int             `json:"venue_id" validate:"required,gt=0"`
	Amount       decimal.Decimal `json:"amount"`
	Last4        string          `json:"last4" validate:"required,last4"`
	ReferralCode string          `json:"referral_code" validate:"required,refcode"`
	PurchasedAt  time.Time       `json:"purchased_at" validate:"required"`
}

type SubmitResult struct {
	Claim     models.Claim `json:"claim"`
	Link      *LinkResult  `json:"link,omitempty"`
	LinkError string       `json:"link_error,omitempty"`
}

// ValidatePurchaseTime accepts purchases up to a minute ahead of now and no older than a day.
func ValidatePurchaseTime(purchasedAt, now time.Time) error {
	if purchasedAt.IsZero() {
		return utils.NewValidationError("purchased_at", "is required")
	}
	if purchasedAt.After(now.Add(MaxPurchaseClockSkew)) {
		return utils.NewValidationError("purchased_at", "cannot be in the future")
	}
	if now.Sub(purchasedAt) > MaxManualClaimAge {
		return utils.NewValidationError("purchased_at", "manual claims can only be submitted within 24 hours of purchase")
	}
	return nil
}

// SubmitClaim stores a manual claim as pending with the venue's rates at the purchase time, then
// tries to link it straight away. Linking problems are reported, never returned as errors.
func SubmitClaim(ctx context.Context, db *gorm.DB, submitterId string, input NewClaim, sourceFor PaymentSourceFactory) (SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "SubmitClaim")
	defer span.End()

	var out SubmitResult
	if submitterId == "" {
		return out, utils.NewValidationError("submitter_id", "is required")
	}
	input.ReferralCode = utils.NormalizeReferralCode(input.ReferralCode)
	input.Last4 = utils.NormalizeLast4(input.Last4)
	if err := utils.ValidateStruct(input); err != nil {
		return out, err
	}
	if !input.Amount.IsPositive() {
		return out, utils.NewValidationError("amount", "must be greater than 0")
	}
	if err := ValidatePurchaseTime(input.PurchasedAt, time.Now()); err != nil {
		return out, err
	}

	referrer, err := models.FindProfileByReferralCode(ctx, db, input.ReferralCode)
	if err != nil {
		return out, err
	}
	if referrer == nil {
		return out, utils.NewValidationError("referral_code", "unrecognized referral code")
	}
	if referrer.UserId == submitterId {
		return out, utils.NewValidationError("referral_code", "you cannot use your own referral code")
	}

	venue, err := models.GetVenue(ctx, db, input.VenueId)
	if err != nil {
		return out, err
	}
	rates := models.EffectiveRate(venue.RateConfig(config.Settings()), input.PurchasedAt)

	claim := models.Claim{
		VenueId:      venue.ID,
		SubmitterId:  submitterId,
		ReferrerId:   utils.NewString(referrer.UserId),
		ReferrerCode: utils.NewString(input.ReferralCode),
		Amount:       utils.Round2(input.Amount),
		Currency:     venue.CurrencyCode(),
		Last4:        input.Last4,
		PurchasedAt:  input.PurchasedAt.UTC(),
		GuestRate:    rates.GuestRate,
		ReferrerRate: rates.ReferrerRate,
		Status:       models.ClaimStatusPending,
		Source:       models.ClaimSourceManual,
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&claim).Error; err != nil {
			return err
		}
		_, _, err := RecomputeLedger(ctx, tx, []models.Claim{claim})
		return err
	})
	if err != nil {
		return out, err
	}
	out.Claim = claim

	conn, err := models.GetSquareConnection(ctx, db, venue.ID)
	if err != nil || conn == nil || !conn.IsConnected() {
		return out, nil
	}
	link, err := LinkClaim(ctx, db, claim.ID, submitterId, sourceFor)
	if err != nil {
		config.LogError(config.GetLogger(), "claimSubmitWorkflow.go", "SubmitClaim", "link new claim", claim.ID, err)
		out.LinkError = err.Error()
		return out, nil
	}
	out.Link = &link
	if link.Linked {
		if fresh, err := models.GetClaim(ctx, db, claim.ID); err == nil {
			out.Claim = *fresh
		}
	}
	return out, nil
}
