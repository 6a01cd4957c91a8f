package workflow

import (
	"context"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RecomputeStats struct {
	Claims    int `json:"claims"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// RecomputeLedger derives ledger entries from claims and upserts them by (user, claim, role).
// Existing rows are locked, merged forward and only rewritten when something changed, so
// replaying the same claims is a no-op. Returns the per-user per-status totals of the touched entries.
func RecomputeLedger(ctx context.Context, db *gorm.DB, claims []models.Claim) (models.LedgerTotals, RecomputeStats, error) {
	stats := RecomputeStats{Claims: len(claims)}
	totals := models.LedgerTotals{}
	if len(claims) == 0 {
		return totals, stats, nil
	}
	hold := config.LedgerVenuePaidHold()

	claimIds := make([]int, 0, len(claims))
	var computed []models.LedgerEntry
	for _, c := range claims {
		claimIds = append(claimIds, c.ID)
		computed = append(computed, models.ComputeLedgerEntries(c, hold)...)
	}
	claimIds = utils.UniqueInts(claimIds)

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.LedgerEntry
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("claim_id IN ?", claimIds).
			Order("id ASC").
			Find(&existing).Error; err != nil {
			return err
		}
		byKey := make(map[models.LedgerKey]models.LedgerEntry, len(existing))
		for _, e := range existing {
			byKey[e.Key()] = e
		}

		for _, entry := range computed {
			current, ok := byKey[entry.Key()]
			if !ok {
				row := entry
				res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 1 {
					stats.Created++
					byKey[row.Key()] = row
					continue
				}
				// Lost an insert race; merge into the winner.
				if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
					Where("user_id = ? AND claim_id = ? AND role = ?", entry.UserId, entry.ClaimId, entry.Role).
					Take(&current).Error; err != nil {
					return err
				}
			}

			merged, changed := models.MergeLedgerEntry(current, entry)
			if !changed {
				stats.Unchanged++
				byKey[merged.Key()] = merged
				continue
			}
			if err := tx.Model(&models.LedgerEntry{}).Where("id = ?", current.ID).Updates(map[string]interface{}{
				"status":   merged.Status,
				"amount":   merged.Amount,
				"currency": merged.Currency,
				"venue_id": merged.VenueId,
			}).Error; err != nil {
				return err
			}
			stats.Updated++
			byKey[merged.Key()] = merged
		}

		for _, e := range byKey {
			totals.Add(e)
		}
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	return totals, stats, nil
}

// RecomputeLedgerForClaimIds loads the claims and recomputes them.
func RecomputeLedgerForClaimIds(ctx context.Context, db *gorm.DB, claimIds []int) (models.LedgerTotals, RecomputeStats, error) {
	if len(claimIds) == 0 {
		return models.LedgerTotals{}, RecomputeStats{}, nil
	}
	var claims []models.Claim
	if err := db.WithContext(ctx).Where("id IN ?", utils.UniqueInts(claimIds)).Order("id ASC").Find(&claims).Error; err != nil {
		return nil, RecomputeStats{}, err
	}
	return RecomputeLedger(ctx, db, claims)
}

// RecomputeLedgerForVenue replays every claim of a venue (venueId 0 means all venues) in pages.
func RecomputeLedgerForVenue(ctx context.Context, db *gorm.DB, venueId int, pageSize int) (RecomputeStats, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	var total RecomputeStats
	lastId := 0
	for {
		var claims []models.Claim
		q := db.WithContext(ctx).Where("id > ?", lastId).Order("id ASC").Limit(pageSize)
		if venueId > 0 {
			q = q.Where("venue_id = ?", venueId)
		}
		if err := q.Find(&claims).Error; err != nil {
			return total, err
		}
		if len(claims) == 0 {
			return total, nil
		}
		_, stats, err := RecomputeLedger(ctx, db, claims)
		if err != nil {
			return total, err
		}
		total.Claims += stats.Claims
		total.Created += stats.Created
		total.Updated += stats.Updated
		total.Unchanged += stats.Unchanged
		lastId = claims[len(claims)-1].ID
	}
}

type userStatusTotal struct {
	UserId string
	Status models.LedgerStatus
	Total  decimal.Decimal
}

// LedgerTotalsForUsers sums stored entries per user and status in one currency.
// An empty userIds slice means every user.
func LedgerTotalsForUsers(ctx context.Context, db *gorm.DB, userIds []string, currency string) (models.LedgerTotals, error) {
	var rows []userStatusTotal
	q := db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Select("user_id, status, SUM(amount) AS total").
		Where("currency = ?", utils.NormalizeCurrency(currency)).
		Group("user_id, status")
	if len(userIds) > 0 {
		q = q.Where("user_id IN ?", userIds)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}
	totals := models.LedgerTotals{}
	for _, r := range rows {
		totals.Add(models.LedgerEntry{UserId: r.UserId, Status: r.Status, Amount: r.Total})
	}
	return totals, nil
}

const (
	PromotePendingToApproved   = "pending_to_approved"
	PromoteApprovedToAvailable = "approved_to_available"
	PromoteAll                 = "all"
)

type PromoteResult struct {
	PendingToApproved   int64 `json:"pending_to_approved"`
	ApprovedToAvailable int64 `json:"approved_to_available"`
}

// PromoteBalances is the ops override that moves ledger entries forward without touching claims.
// Unknown actions behave like "all".
func PromoteBalances(ctx context.Context, db *gorm.DB, action string) (PromoteResult, error) {
	var out PromoteResult
	if action != PromotePendingToApproved && action != PromoteApprovedToAvailable {
		action = PromoteAll
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if action == PromotePendingToApproved || action == PromoteAll {
			res := tx.Model(&models.LedgerEntry{}).
				Where("status = ?", models.LedgerStatusPending).
				Update("status", models.LedgerStatusApproved)
			if res.Error != nil {
				return res.Error
			}
			out.PendingToApproved = res.RowsAffected
		}
		if action == PromoteApprovedToAvailable || action == PromoteAll {
			res := tx.Model(&models.LedgerEntry{}).
				Where("status = ?", models.LedgerStatusApproved).
				Update("status", models.LedgerStatusAvailable)
			if res.Error != nil {
				return res.Error
			}
			out.ApprovedToAvailable = res.RowsAffected
		}
		return nil
	})
	return out, err
}
