package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const ReasonCardBoundToOtherUser = "card_bound_to_other_user"

func findBinding(ctx context.Context, tx *gorm.DB, venueId int, fingerprint string) (*models.CardBinding, error) {
	var b models.CardBinding
	err := tx.WithContext(ctx).Where("venue_id = ? AND fingerprint = ?", venueId, fingerprint).Take(&b).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ResolveOwner returns the user a card is bound to at a venue.
func ResolveOwner(ctx context.Context, tx *gorm.DB, venueId int, fingerprint string) (string, bool, error) {
	if fingerprint == "" {
		return "", false, nil
	}
	b, err := findBinding(ctx, tx, venueId, fingerprint)
	if err != nil || b == nil {
		return "", false, err
	}
	return b.UserId, true, nil
}

// Bind is insert-if-absent: the first user to link a card at a venue owns it for good.
// The stored row is read back after the insert so a concurrent winner is reported as Conflict.
func Bind(ctx context.Context, tx *gorm.DB, venueId int, fingerprint, userId string, firstClaimId int, firstPurchaseAt time.Time) (models.WriteOutcome, error) {
	if fingerprint == "" {
		return "", utils.NewValidationError("fingerprint", "is required")
	}
	row := models.CardBinding{
		VenueId:         venueId,
		Fingerprint:     fingerprint,
		UserId:          userId,
		FirstClaimId:    firstClaimId,
		FirstPurchaseAt: firstPurchaseAt,
	}
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 1 {
		return models.WriteCreated, nil
	}

	existing, err := findBinding(ctx, tx, venueId, fingerprint)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return "", utils.NewConflictError("binding_vanished", "card binding for venue %d disappeared", venueId)
	}
	if existing.UserId == userId {
		return models.WriteAlreadyExists, nil
	}
	return models.WriteConflict, nil
}

// AssertNotConflicting fails with a ConflictError when the card belongs to someone else.
func AssertNotConflicting(ctx context.Context, tx *gorm.DB, venueId int, fingerprint, claimantId string) error {
	owner, found, err := ResolveOwner(ctx, tx, venueId, fingerprint)
	if err != nil {
		return err
	}
	if found && owner != claimantId {
		return utils.NewConflictError(ReasonCardBoundToOtherUser, "card already bound to another user at venue %d", venueId)
	}
	return nil
}
