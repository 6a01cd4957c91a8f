package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errStatusUnchanged = errors.New("status unchanged")

type ClaimStatusChange struct {
	ClaimId int    `json:"claim_id" validate:"required,gt=0"`
	Status  string `json:"status" validate:"required"`
	Reason  string `json:"reason"`
}

type StatusUpdateReport struct {
	Updated   []int          `json:"updated"`
	Unchanged []int          `json:"unchanged"`
	Failed    []ClaimFailure `json:"failed"`
}

// UpdateClaimStatuses validates every requested status before touching anything, then applies
// each change with its own conditional update. A claim that moved underneath us or whose
// transition is illegal lands in Failed; the rest still apply.
func UpdateClaimStatuses(ctx context.Context, db *gorm.DB, changes []ClaimStatusChange) (StatusUpdateReport, error) {
	ctx, span := tracer.Start(ctx, "UpdateClaimStatuses")
	defer span.End()

	var report StatusUpdateReport
	if len(changes) == 0 {
		return report, utils.NewValidationError("claim_ids", "at least one claim is required")
	}
	targets := make([]models.ClaimStatus, len(changes))
	for i, ch := range changes {
		if err := utils.ValidateStruct(ch); err != nil {
			return report, err
		}
		st, err := models.ParseClaimStatus(ch.Status)
		if err != nil {
			return report, err
		}
		targets[i] = st
	}

	for i, ch := range changes {
		err := applyClaimStatus(ctx, db, ch, targets[i])
		switch {
		case errors.Is(err, errStatusUnchanged):
			report.Unchanged = append(report.Unchanged, ch.ClaimId)
		case err != nil:
			report.Failed = append(report.Failed, ClaimFailure{ClaimId: ch.ClaimId, Reason: err.Error()})
		default:
			report.Updated = append(report.Updated, ch.ClaimId)
		}
	}
	if len(report.Failed) > 0 {
		config.GetLogger().WithFields(logrus.Fields{
			"field":  "UpdateClaimStatuses",
			"failed": report.Failed,
		}).Warn("some claim statuses were not applied")
	}
	return report, nil
}

func applyClaimStatus(ctx context.Context, db *gorm.DB, ch ClaimStatusChange, to models.ClaimStatus) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var claim models.Claim
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", ch.ClaimId).Take(&claim).Error
		if err == gorm.ErrRecordNotFound {
			return utils.NewNotFoundError("claim", ch.ClaimId)
		}
		if err != nil {
			return err
		}
		if claim.Status == to {
			return errStatusUnchanged
		}
		if _, err := models.Transition(claim.Status, to); err != nil {
			return err
		}

		updates := map[string]interface{}{"status": to}
		if ch.Reason != "" {
			updates["status_reason"] = ch.Reason
		}
		if to == models.ClaimStatusPaid {
			now := time.Now().UTC()
			updates["paid_at"] = &now
		}
		res := tx.Model(&models.Claim{}).Where("id = ? AND status = ?", claim.ID, claim.Status).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.NewConflictError("status_changed", "claim %d changed concurrently", claim.ID)
		}
		claim.Status = to
		if _, _, err := RecomputeLedger(ctx, tx, []models.Claim{claim}); err != nil {
			return err
		}
		if to == models.ClaimStatusDenied {
			Notify(ctx, tx, Notification{
				Kind:    models.NotificationClaimDenied,
				UserId:  claim.SubmitterId,
				ClaimId: claim.ID,
				VenueId: claim.VenueId,
				Payload: map[string]any{"reason": ch.Reason},
			})
		}
		return nil
	})
}

// ExpandStatusChanges turns the "same status for many claims" request shape into changes.
func ExpandStatusChanges(claimIds []int, status, reason string) []ClaimStatusChange {
	ids := utils.UniqueInts(claimIds)
	out := make([]ClaimStatusChange, 0, len(ids))
	for _, id := range ids {
		out = append(out, ClaimStatusChange{ClaimId: id, Status: status, Reason: reason})
	}
	return out
}
