package workflow

import (
	"context"
	"sort"
	"time"

	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MergeStats struct {
	Added       int             `json:"added"`
	Skipped     int             `json:"skipped"`
	AddedAmount decimal.Decimal `json:"added_amount"`
	Created     bool            `json:"created"`
}

func lockOpenBatch(tx *gorm.DB, openKey string) (*models.PayoutBatch, error) {
	var b models.PayoutBatch
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("open_key = ?", openKey).Take(&b).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// claimsInPaidBatches lists the contributed claims the user has already been paid for by a batch.
func claimsInPaidBatches(tx *gorm.DB, userId string, contributions []models.BatchContribution) ([]int, error) {
	if len(contributions) == 0 {
		return nil, nil
	}
	ids := make([]int, 0, len(contributions))
	for _, c := range contributions {
		ids = append(ids, c.ClaimId)
	}
	var paid []int
	err := tx.Model(&models.PayoutBatchClaim{}).
		Joins("JOIN payout_batches ON payout_batches.id = payout_batch_claims.batch_id").
		Where("payout_batch_claims.user_id = ? AND payout_batches.status = ? AND payout_batch_claims.claim_id IN ?",
			userId, models.PayoutBatchStatusPaid, utils.UniqueInts(ids)).
		Pluck("payout_batch_claims.claim_id", &paid).Error
	return paid, err
}

// OpenOrMergeBatch adds contributions to the user's open batch for a currency, opening one if needed.
// Member rows are insert-if-absent on (batch, claim) and the batch total grows only by rows that
// were actually inserted, so delivering the same contributions twice changes nothing.
func OpenOrMergeBatch(ctx context.Context, db *gorm.DB, userId, currency string, contributions []models.BatchContribution) (*models.PayoutBatch, MergeStats, error) {
	stats := MergeStats{AddedAmount: decimal.Zero}
	if userId == "" {
		return nil, stats, utils.NewValidationError("user_id", "is required")
	}
	currency = utils.NormalizeCurrency(currency)
	openKey := models.OpenBatchKey(userId, currency)

	var batch *models.PayoutBatch
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		batch, err = lockOpenBatch(tx, openKey)
		if err != nil {
			return err
		}
		if batch == nil {
			key := openKey
			fresh := models.PayoutBatch{
				ID:       models.NewPayoutBatchId(userId, time.Now()),
				UserId:   userId,
				Currency: currency,
				Amount:   decimal.Zero,
				Status:   models.PayoutBatchStatusUnpaid,
				OpenKey:  &key,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
			if res.Error != nil {
				return res.Error
			}
			stats.Created = res.RowsAffected == 1
			if batch, err = lockOpenBatch(tx, openKey); err != nil {
				return err
			}
			if batch == nil {
				return utils.NewConflictError("batch_unavailable", "open batch for %s vanished", openKey)
			}
		}

		var held []int
		if err := tx.Model(&models.PayoutBatchClaim{}).Where("batch_id = ?", batch.ID).Pluck("claim_id", &held).Error; err != nil {
			return err
		}
		paid, err := claimsInPaidBatches(tx, userId, contributions)
		if err != nil {
			return err
		}
		held = append(held, paid...)
		fresh, _ := models.NewContributions(held, contributions)
		stats.Skipped = len(contributions) - len(fresh)

		for _, c := range fresh {
			row := models.PayoutBatchClaim{BatchId: batch.ID, ClaimId: c.ClaimId, UserId: userId, Amount: c.Amount}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				stats.Skipped++
				continue
			}
			stats.Added++
			stats.AddedAmount = stats.AddedAmount.Add(c.Amount)
		}
		if stats.Added == 0 {
			return nil
		}
		if err := tx.Model(&models.PayoutBatch{}).Where("id = ?", batch.ID).Updates(map[string]interface{}{
			"amount":      gorm.Expr("amount + ?", stats.AddedAmount),
			"claim_count": gorm.Expr("claim_count + ?", stats.Added),
		}).Error; err != nil {
			return err
		}
		batch.Amount = batch.Amount.Add(stats.AddedAmount)
		batch.ClaimCount += stats.Added
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	return batch, stats, nil
}

// ContributionsByUser groups available ledger entries into one contribution per (user, claim).
// A user holding both roles on a claim gets the combined share.
func ContributionsByUser(entries []models.LedgerEntry) map[string][]models.BatchContribution {
	type key struct {
		user  string
		claim int
	}
	sums := map[key]decimal.Decimal{}
	var order []key
	for _, e := range entries {
		k := key{e.UserId, e.ClaimId}
		if _, ok := sums[k]; !ok {
			order = append(order, k)
		}
		sums[k] = sums[k].Add(e.Amount)
	}
	out := map[string][]models.BatchContribution{}
	for _, k := range order {
		out[k.user] = append(out[k.user], models.BatchContribution{ClaimId: k.claim, Amount: sums[k]})
	}
	for u := range out {
		sort.Slice(out[u], func(i, j int) bool { return out[u][i].ClaimId < out[u][j].ClaimId })
	}
	return out
}

type BatchMergeResult struct {
	UserId string              `json:"user_id"`
	Batch  *models.PayoutBatch `json:"batch"`
	Stats  MergeStats          `json:"stats"`
	Error  string              `json:"error,omitempty"`
}

// CalculatePayouts opens or merges a batch for every user with available earnings in the currency.
// userIds narrows the run; a failing user is reported and the loop continues.
func CalculatePayouts(ctx context.Context, db *gorm.DB, currency string, userIds []string) ([]BatchMergeResult, error) {
	ctx, span := tracer.Start(ctx, "CalculatePayouts")
	defer span.End()

	currency = utils.NormalizeCurrency(currency)
	var entries []models.LedgerEntry
	q := db.WithContext(ctx).
		Where("status = ? AND currency = ?", models.LedgerStatusAvailable, currency).
		Order("user_id ASC, claim_id ASC")
	if len(userIds) > 0 {
		q = q.Where("user_id IN ?", userIds)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}

	byUser := ContributionsByUser(entries)
	users := utils.SortedKeys(byUser)
	results := make([]BatchMergeResult, 0, len(users))
	for _, userId := range users {
		batch, stats, err := OpenOrMergeBatch(ctx, db, userId, currency, byUser[userId])
		r := BatchMergeResult{UserId: userId, Batch: batch, Stats: stats}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results, nil
}

type PayoutCandidate struct {
	UserId          string          `json:"user_id"`
	Currency        string          `json:"currency"`
	Available       decimal.Decimal `json:"available"`
	StripeAccountId *string         `json:"stripe_account_id"`
	Email           *string         `json:"email"`
}

// WeeklyPayoutCandidates lists users whose available total reaches min, largest first.
func WeeklyPayoutCandidates(ctx context.Context, db *gorm.DB, min decimal.Decimal, currency string) ([]PayoutCandidate, error) {
	currency = utils.NormalizeCurrency(currency)
	totals, err := LedgerTotalsForUsers(ctx, db, nil, currency)
	if err != nil {
		return nil, err
	}
	var out []PayoutCandidate
	var userIds []string
	for userId := range totals {
		available := totals.Of(userId, models.LedgerStatusAvailable)
		if !available.IsPositive() || available.LessThan(min) {
			continue
		}
		out = append(out, PayoutCandidate{UserId: userId, Currency: currency, Available: available})
		userIds = append(userIds, userId)
	}
	profiles, err := models.ProfilesByUser(ctx, db, userIds)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if p, ok := profiles[out[i].UserId]; ok {
			out[i].StripeAccountId = p.StripeAccountId
			out[i].Email = p.Email
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Available.Equal(out[j].Available) {
			return out[i].Available.GreaterThan(out[j].Available)
		}
		return out[i].UserId < out[j].UserId
	})
	return out, nil
}

type BatchFilter struct {
	Status models.PayoutBatchStatus
	UserId string
	Limit  int
}

func ListPayoutBatches(ctx context.Context, db *gorm.DB, f BatchFilter) ([]models.PayoutBatch, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := db.WithContext(ctx).Preload("Claims").Order("created_at DESC, id DESC").Limit(limit)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.UserId != "" {
		q = q.Where("user_id = ?", f.UserId)
	}
	var batches []models.PayoutBatch
	err := q.Find(&batches).Error
	return batches, err
}

func GetPayoutBatch(ctx context.Context, db *gorm.DB, id string) (*models.PayoutBatch, error) {
	var b models.PayoutBatch
	err := db.WithContext(ctx).Preload("Claims").Where("id = ?", id).Take(&b).Error
	if err == gorm.ErrRecordNotFound {
		return nil, utils.NewNotFoundError("payout batch", id)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}
