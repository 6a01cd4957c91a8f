package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/rails"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// payoutCoverTolerance absorbs rounding between a provider payout and our decimal total.
var payoutCoverTolerance = decimal.RequireFromString("0.0001")

type ClaimFailure struct {
	ClaimId int    `json:"claim_id"`
	Reason  string `json:"reason"`
}

type SettlementReport struct {
	BatchId       string         `json:"batch_id"`
	AlreadyPaid   bool           `json:"already_paid"`
	Settled       []int          `json:"settled"`
	Failed        []ClaimFailure `json:"failed"`
	LedgerUpdated int64          `json:"ledger_updated"`
}

// MarkBatchPaid closes an open batch and settles the batch user's roles on every member claim in
// one transaction. If any member cannot be settled nothing is written: the batch stays unpaid and
// the failures are returned with a ConflictError. A batch already paid with the same reference
// is a successful no-op.
func MarkBatchPaid(ctx context.Context, db *gorm.DB, batchId, externalRef string) (SettlementReport, error) {
	ctx, span := tracer.Start(ctx, "MarkBatchPaid")
	defer span.End()
	span.SetAttributes(attribute.String("batch_id", batchId))

	report := SettlementReport{BatchId: batchId}
	now := time.Now().UTC()

	updates := map[string]interface{}{
		"status":   models.PayoutBatchStatusPaid,
		"open_key": nil,
		"paid_at":  &now,
	}
	if externalRef != "" {
		updates["external_ref"] = externalRef
	}

	var batch models.PayoutBatch
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PayoutBatch{}).
			Where("id = ? AND status = ?", batchId, models.PayoutBatchStatusUnpaid).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		err := tx.Preload("Claims").Where("id = ?", batchId).Take(&batch).Error
		if err == gorm.ErrRecordNotFound {
			return utils.NewNotFoundError("payout batch", batchId)
		}
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			existingRef := utils.DerefString(batch.ExternalRef)
			if externalRef == "" || existingRef == "" || existingRef == externalRef {
				report.AlreadyPaid = true
				return nil
			}
			return utils.NewConflictError("batch_already_paid", "batch %s was paid with reference %s", batchId, existingRef)
		}

		for _, member := range batch.Claims {
			updated, err := settleClaimRoles(tx, member.ClaimId, batch.UserId, batchId, now)
			if err != nil {
				report.Failed = append(report.Failed, ClaimFailure{ClaimId: member.ClaimId, Reason: err.Error()})
				continue
			}
			report.Settled = append(report.Settled, member.ClaimId)
			report.LedgerUpdated += updated
		}
		if len(report.Failed) > 0 {
			return utils.NewConflictError("batch_not_settleable", "batch %s has %d claims that cannot be paid out", batchId, len(report.Failed))
		}
		return nil
	})
	if err != nil {
		report.Settled = nil
		report.LedgerUpdated = 0
		if len(report.Failed) > 0 {
			config.GetLogger().WithFields(logrus.Fields{
				"field":    "MarkBatchPaid",
				"batch_id": batchId,
				"failed":   report.Failed,
			}).Warn("batch left unpaid: some claims could not be settled")
		}
		return report, err
	}
	if report.AlreadyPaid {
		return report, nil
	}

	Notify(ctx, db, Notification{
		Kind:    models.NotificationBatchPaidOut,
		UserId:  batch.UserId,
		BatchId: batch.ID,
		Payload: map[string]any{"amount": batch.Amount.StringFixed(2), "currency": batch.Currency},
	})
	return report, nil
}

// settleClaimRoles advances one claim for the roles userId holds and pays out the matching ledger
// rows. tx must be a transaction.
func settleClaimRoles(tx *gorm.DB, claimId int, userId, ref string, at time.Time) (int64, error) {
	var claim models.Claim
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", claimId).Take(&claim).Error; err != nil {
		return 0, err
	}
	roles := claim.RolesHeldBy(userId)
	if len(roles) == 0 {
		return 0, utils.NewConflictError("no_role", "user %s holds no role on claim %d", userId, claimId)
	}
	next, err := models.SettleRoles(claim.Status, roles, claim.HasReferrer())
	if err != nil {
		return 0, err
	}
	if next != claim.Status {
		res := tx.Model(&models.Claim{}).
			Where("id = ? AND status = ?", claim.ID, claim.Status).
			Update("status", next)
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 0 {
			return 0, utils.NewConflictError("status_changed", "claim %d changed concurrently", claim.ID)
		}
	}
	res := tx.Model(&models.LedgerEntry{}).
		Where("user_id = ? AND claim_id = ? AND role IN ? AND status <> ? AND status <> ?",
			userId, claim.ID, roles, models.LedgerStatusPaidOut, models.LedgerStatusDenied).
		Updates(map[string]interface{}{
			"status":      models.LedgerStatusPaidOut,
			"source_ref":  ref,
			"paid_out_at": &at,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

type VenueSettlement struct {
	VenueId  int                `json:"venue_id"`
	Start    time.Time          `json:"start"`
	End      time.Time          `json:"end"`
	Ref      string             `json:"ref"`
	ClaimIds []int              `json:"claim_ids"`
	Settled  int64              `json:"settled"`
	Ledger   RecomputeStats     `json:"ledger"`
	Batches  []BatchMergeResult `json:"batches"`
}

// SettleVenueWeek marks the venue's approved claims purchased in [start, end) as paid once the
// venue has paid the platform, recomputes their ledger, and opens or merges a payout batch for
// every earning user. Re-running it for the same week finds nothing left to settle.
func SettleVenueWeek(ctx context.Context, db *gorm.DB, venueId int, start, end time.Time, ref string) (VenueSettlement, error) {
	ctx, span := tracer.Start(ctx, "SettleVenueWeek")
	defer span.End()
	span.SetAttributes(attribute.Int("venue_id", venueId), attribute.String("ref", ref))

	out := VenueSettlement{VenueId: venueId, Start: start, End: end, Ref: ref}
	if !end.After(start) {
		return out, utils.NewValidationError("week_end", "must be after week_start")
	}

	var settled []models.Claim
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return withVenueSettleLock(tx, venueId, func() error {
			var claims []models.Claim
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("venue_id = ? AND status = ? AND purchased_at >= ? AND purchased_at < ?",
					venueId, models.ClaimStatusApproved, start, end).
				Order("id ASC").
				Find(&claims).Error; err != nil {
				return err
			}
			if len(claims) == 0 {
				return nil
			}
			ids := make([]int, 0, len(claims))
			for _, c := range claims {
				ids = append(ids, c.ID)
			}
			now := time.Now().UTC()
			updates := map[string]interface{}{"status": models.ClaimStatusPaid, "paid_at": &now}
			if ref != "" {
				updates["settlement_ref"] = ref
			}
			res := tx.Model(&models.Claim{}).
				Where("id IN ? AND status = ?", ids, models.ClaimStatusApproved).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			out.Settled = res.RowsAffected

			if err := tx.Where("id IN ? AND status = ?", ids, models.ClaimStatusPaid).Order("id ASC").Find(&settled).Error; err != nil {
				return err
			}
			_, stats, err := RecomputeLedger(ctx, tx, settled)
			if err != nil {
				return err
			}
			out.Ledger = stats
			for _, c := range settled {
				out.ClaimIds = append(out.ClaimIds, c.ID)
				Notify(ctx, tx, Notification{
					Kind:    models.NotificationClaimPaid,
					UserId:  c.SubmitterId,
					ClaimId: c.ID,
					VenueId: c.VenueId,
				})
			}
			return nil
		})
	})
	if err != nil {
		return out, err
	}
	if len(settled) == 0 {
		return out, nil
	}

	// Held earnings leave through TransferUserBalance; they only join a batch once available.
	if config.LedgerVenuePaidHold() {
		config.LogInfo(config.GetLogger(), "settlementWorkflow.go", "SettleVenueWeek", "venue week settled, earnings held", map[string]any{
			"venue_id": venueId, "ref": ref, "settled": out.Settled,
		})
		return out, nil
	}
	byCurrency := map[string][]models.LedgerEntry{}
	for _, c := range settled {
		cur := utils.NormalizeCurrency(c.Currency)
		byCurrency[cur] = append(byCurrency[cur], models.ComputeLedgerEntries(c, false)...)
	}
	for _, currency := range utils.SortedKeys(byCurrency) {
		byUser := ContributionsByUser(byCurrency[currency])
		for _, userId := range utils.SortedKeys(byUser) {
			batch, stats, err := OpenOrMergeBatch(ctx, db, userId, currency, byUser[userId])
			r := BatchMergeResult{UserId: userId, Batch: batch, Stats: stats}
			if err != nil {
				r.Error = err.Error()
				config.LogError(config.GetLogger(), "settlementWorkflow.go", "SettleVenueWeek", "merge batch", userId, err)
			}
			out.Batches = append(out.Batches, r)
		}
	}

	config.LogInfo(config.GetLogger(), "settlementWorkflow.go", "SettleVenueWeek", "venue week settled", map[string]any{
		"venue_id": venueId, "ref": ref, "settled": out.Settled,
	})
	return out, nil
}

type TransferFailure struct {
	BatchId string `json:"batch_id"`
	UserId  string `json:"user_id"`
	Reason  string `json:"reason"`
}

type TransferReport struct {
	Sent    map[string]string `json:"sent"`
	Skipped []string          `json:"skipped"`
	Failed  []TransferFailure `json:"failed"`
}

// SendBatchTransfers sends one transfer per open batch to the user's connected account.
// The batch id is the idempotency key, so a retried run cannot pay twice. Batches stay unpaid
// until the connected account's payout is confirmed.
func SendBatchTransfers(ctx context.Context, db *gorm.DB, rail rails.TransferRail, batches []models.PayoutBatch) (TransferReport, error) {
	ctx, span := tracer.Start(ctx, "SendBatchTransfers")
	defer span.End()

	report := TransferReport{Sent: map[string]string{}}
	userIds := make([]string, 0, len(batches))
	for _, b := range batches {
		userIds = append(userIds, b.UserId)
	}
	profiles, err := models.ProfilesByUser(ctx, db, userIds)
	if err != nil {
		return report, err
	}

	for _, b := range batches {
		if b.Status != models.PayoutBatchStatusUnpaid || b.TransferRef != nil || !b.Amount.IsPositive() {
			report.Skipped = append(report.Skipped, b.ID)
			continue
		}
		profile, ok := profiles[b.UserId]
		if !ok || !profile.HasStripeAccount() {
			report.Failed = append(report.Failed, TransferFailure{BatchId: b.ID, UserId: b.UserId, Reason: "missing_stripe_destination"})
			continue
		}
		transferId, err := rail.CreateTransfer(ctx, rails.TransferRequest{
			Destination:    *profile.StripeAccountId,
			AmountCents:    utils.ToCents(b.Amount),
			Currency:       b.Currency,
			Description:    "Kickback weekly payout",
			TransferGroup:  b.ID,
			IdempotencyKey: "batch:" + b.ID,
			Metadata:       map[string]string{"batch_id": b.ID, "user_id": b.UserId},
		})
		if err != nil {
			report.Failed = append(report.Failed, TransferFailure{BatchId: b.ID, UserId: b.UserId, Reason: err.Error()})
			continue
		}
		if err := db.WithContext(ctx).Model(&models.PayoutBatch{}).
			Where("id = ? AND transfer_ref IS NULL", b.ID).
			Update("transfer_ref", transferId).Error; err != nil {
			config.LogError(config.GetLogger(), "settlementWorkflow.go", "SendBatchTransfers", "store transfer ref", b.ID, err)
		}
		report.Sent[b.ID] = transferId
	}
	return report, nil
}

// SendOpenBatchTransfers runs SendBatchTransfers over every open batch in a currency.
func SendOpenBatchTransfers(ctx context.Context, db *gorm.DB, rail rails.TransferRail, currency string) (TransferReport, error) {
	var batches []models.PayoutBatch
	if err := db.WithContext(ctx).
		Where("status = ? AND currency = ? AND transfer_ref IS NULL", models.PayoutBatchStatusUnpaid, utils.NormalizeCurrency(currency)).
		Order("created_at ASC").
		Find(&batches).Error; err != nil {
		return TransferReport{}, err
	}
	return SendBatchTransfers(ctx, db, rail, batches)
}

type AccountPayoutResult struct {
	Matched     bool              `json:"matched"`
	Reason      string            `json:"reason,omitempty"`
	UserId      string            `json:"user_id,omitempty"`
	Available   decimal.Decimal   `json:"available"`
	PayoutTotal decimal.Decimal   `json:"payout_total"`
	Settlement  *SettlementReport `json:"settlement,omitempty"`
}

// ReconcileAccountPayout handles a connected account's payout.paid. When the payout covers the
// user's available total, every available entry is folded into the open batch and the batch is
// marked paid with the payout id.
func ReconcileAccountPayout(ctx context.Context, db *gorm.DB, accountId string, amountCents int64, currency, payoutId string) (AccountPayoutResult, error) {
	ctx, span := tracer.Start(ctx, "ReconcileAccountPayout")
	defer span.End()

	currency = utils.NormalizeCurrency(currency)
	out := AccountPayoutResult{PayoutTotal: utils.FromCents(amountCents)}
	profile, err := models.FindProfileByStripeAccount(ctx, db, accountId)
	if err != nil {
		return out, err
	}
	if profile == nil {
		out.Reason = "unknown_account"
		return out, nil
	}
	out.UserId = profile.UserId

	totals, err := LedgerTotalsForUsers(ctx, db, []string{profile.UserId}, currency)
	if err != nil {
		return out, err
	}
	out.Available = totals.Of(profile.UserId, models.LedgerStatusAvailable)
	if !out.Available.IsPositive() {
		out.Reason = "nothing_available"
		return out, nil
	}
	if out.PayoutTotal.LessThan(out.Available.Sub(payoutCoverTolerance)) {
		out.Reason = "payout_below_available"
		return out, nil
	}

	merged, err := CalculatePayouts(ctx, db, currency, []string{profile.UserId})
	if err != nil {
		return out, err
	}
	if len(merged) == 0 || merged[0].Batch == nil {
		out.Reason = "no_open_batch"
		return out, nil
	}
	if merged[0].Error != "" {
		return out, fmt.Errorf("merge batch for %s: %s", profile.UserId, merged[0].Error)
	}
	report, err := MarkBatchPaid(ctx, db, merged[0].Batch.ID, payoutId)
	if err != nil {
		return out, err
	}
	out.Matched = true
	out.Settlement = &report
	return out, nil
}

type UserTransferResult struct {
	UserId      string          `json:"user_id"`
	Currency    string          `json:"currency"`
	Transferred decimal.Decimal `json:"transferred"`
	TransferId  string          `json:"transfer_id"`
	UpdatedRows int64           `json:"updated_rows"`
}

// TransferUserBalance releases a user's venue-paid earnings: one transfer for the whole
// venuepaid total, then exactly those entries become available. A failed transfer changes nothing.
func TransferUserBalance(ctx context.Context, db *gorm.DB, rail rails.TransferRail, userId, currency string) (UserTransferResult, error) {
	ctx, span := tracer.Start(ctx, "TransferUserBalance")
	defer span.End()

	currency = utils.NormalizeCurrency(currency)
	out := UserTransferResult{UserId: userId, Currency: currency}
	if userId == "" {
		return out, utils.NewValidationError("user_id", "is required")
	}
	profiles, err := models.ProfilesByUser(ctx, db, []string{userId})
	if err != nil {
		return out, err
	}
	profile, ok := profiles[userId]
	if !ok || !profile.HasStripeAccount() {
		return out, utils.NewValidationError("user_id", "missing_stripe_destination")
	}

	// Claims already in one of the user's open batches are paid by that batch.
	batched := db.Model(&models.PayoutBatchClaim{}).
		Select("payout_batch_claims.claim_id").
		Joins("JOIN payout_batches ON payout_batches.id = payout_batch_claims.batch_id").
		Where("payout_batch_claims.user_id = ? AND payout_batches.status = ?", userId, models.PayoutBatchStatusUnpaid)
	var entries []models.LedgerEntry
	if err := db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND currency = ?", userId, models.LedgerStatusVenuePaid, currency).
		Where("claim_id NOT IN (?)", batched).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return out, err
	}
	ids := make([]int, 0, len(entries))
	total := decimal.Zero
	for _, e := range entries {
		ids = append(ids, e.ID)
		total = total.Add(e.Amount)
	}
	if !total.IsPositive() {
		return out, utils.NewValidationError("user_id", "no_venuepaid_balance")
	}

	transferId, err := rail.CreateTransfer(ctx, rails.TransferRequest{
		Destination:    *profile.StripeAccountId,
		AmountCents:    utils.ToCents(total),
		Currency:       currency,
		Description:    "Kickback weekly payout",
		IdempotencyKey: fmt.Sprintf("venuepaid:%s:%d:%d", userId, ids[len(ids)-1], len(ids)),
		Metadata:       map[string]string{"user_id": userId},
	})
	if err != nil {
		return out, err
	}
	res := db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("id IN ? AND status = ?", ids, models.LedgerStatusVenuePaid).
		Updates(map[string]interface{}{"status": models.LedgerStatusAvailable, "source_ref": transferId})
	if res.Error != nil {
		return out, res.Error
	}
	out.Transferred = total
	out.TransferId = transferId
	out.UpdatedRows = res.RowsAffected
	return out, nil
}
