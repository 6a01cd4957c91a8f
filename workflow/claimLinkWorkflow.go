package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/rails"
	"github.com/mmdatafocus/kickback_backend/reconcile"
	"github.com/mmdatafocus/kickback_backend/utils"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

var errBindingConflict = errors.New("card bound to another user")

type LinkResult struct {
	ClaimId int `json:"claim_id"`
	reconcile.SingleResult
}

// PaymentSourceFactory opens the payment source behind a venue's provider connection.
type PaymentSourceFactory func(conn models.SquareConnection) (rails.PaymentSource, error)

// SquarePaymentSource is the production PaymentSourceFactory.
func SquarePaymentSource(conn models.SquareConnection) (rails.PaymentSource, error) {
	client, err := rails.NewSquareClient(conn.AccessToken, config.Settings().SquarePageLimit)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// linkedPayments maps each payment id already held by a claim to that claim.
func linkedPayments(ctx context.Context, db *gorm.DB, payments []reconcile.Payment) (map[string]reconcile.LinkedPayment, error) {
	out := map[string]reconcile.LinkedPayment{}
	ids := make([]string, 0, len(payments))
	for _, p := range payments {
		if p.ID != "" {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return out, nil
	}
	var held []models.Claim
	if err := db.WithContext(ctx).
		Select("id", "submitter_id", "provider_payment_id").
		Where("provider_payment_id IN ?", ids).
		Find(&held).Error; err != nil {
		return nil, err
	}
	for _, c := range held {
		out[utils.DerefString(c.ProviderPaymentId)] = reconcile.LinkedPayment{ClaimId: c.ID, UserId: c.SubmitterId}
	}
	return out, nil
}

// LinkClaim searches the venue's payment source around the claim's purchase time and links the
// closest matching payment. claimantId, when set, must own the claim.
func LinkClaim(ctx context.Context, db *gorm.DB, claimId int, claimantId string, sourceFor PaymentSourceFactory) (LinkResult, error) {
	ctx, span := tracer.Start(ctx, "LinkClaim")
	defer span.End()
	span.SetAttributes(attribute.Int("claim_id", claimId))

	out := LinkResult{ClaimId: claimId}
	claim, err := models.GetClaim(ctx, db, claimId)
	if err != nil {
		return out, err
	}
	if claimantId != "" && claim.SubmitterId != claimantId {
		return out, utils.NewNotFoundError("claim", claimId)
	}
	if claim.IsLinked() {
		out.SingleResult = reconcile.SingleResult{AlreadyLinked: true, Reason: reconcile.ReasonAlreadyLinked}
		return out, nil
	}

	conn, err := models.GetSquareConnection(ctx, db, claim.VenueId)
	if err != nil {
		return out, err
	}
	if conn == nil || !conn.IsConnected() {
		return out, utils.NewNotFoundError("square_connection", claim.VenueId)
	}
	venue, err := models.GetVenue(ctx, db, claim.VenueId)
	if err != nil {
		return out, err
	}
	if sourceFor == nil {
		sourceFor = SquarePaymentSource
	}
	src, err := sourceFor(*conn)
	if err != nil {
		return out, err
	}

	settings := config.Settings()
	payments, err := rails.ListAllPayments(ctx, src, rails.TimeRange{
		Begin: claim.PurchasedAt.Add(-settings.LinkSearchWindow),
		End:   claim.PurchasedAt.Add(settings.LinkSearchWindow),
	})
	if err != nil {
		return out, err
	}
	linked, err := linkedPayments(ctx, db, payments)
	if err != nil {
		return out, err
	}

	out.SingleResult = reconcile.MatchSingle(*claim, payments, reconcile.SingleOptions{
		Tolerance:        settings.MatchWindow,
		AllowedLocations: venue.LocationIds(),
		Linked:           linked,
	})
	if !out.Linked {
		return out, nil
	}
	out.SingleResult, err = ApplyPaymentLink(ctx, db, *claim, *out.Payment)
	return out, err
}

// ApplyPaymentLink writes a match: the card binding is checked and created, the claim takes the
// payment id with a conditional update (pending claims become approved), and its ledger is
// recomputed, all in one transaction. Losing any race comes back as a structured result.
func ApplyPaymentLink(ctx context.Context, db *gorm.DB, claim models.Claim, p reconcile.Payment) (reconcile.SingleResult, error) {
	ctx, span := tracer.Start(ctx, "ApplyPaymentLink")
	defer span.End()
	span.SetAttributes(attribute.Int("claim_id", claim.ID), attribute.String("payment_id", p.ID))

	result := reconcile.SingleResult{Payment: &p}
	var updated models.Claim
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owner, found, err := ResolveOwner(ctx, tx, claim.VenueId, p.Fingerprint)
		if err != nil {
			return err
		}
		if found && owner != claim.SubmitterId {
			result.Reason = reconcile.ReasonBoundToOtherUser
			return nil
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"provider_payment_id": p.ID,
			"card_fingerprint":    p.Fingerprint,
			"linked_at":           &now,
			"status": gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END",
				models.ClaimStatusPending, models.ClaimStatusApproved),
		}
		if p.LocationId != "" {
			updates["location_id"] = p.LocationId
		}
		if p.OrderId != "" {
			updates["provider_order_id"] = p.OrderId
		}
		var rows int64
		// Savepoint: a duplicate payment id must not abort the outer transaction.
		err = tx.Transaction(func(sp *gorm.DB) error {
			res := sp.Model(&models.Claim{}).
				Where("id = ? AND provider_payment_id IS NULL", claim.ID).
				Updates(updates)
			rows = res.RowsAffected
			return res.Error
		})
		if isDuplicateKeyErr(err) {
			holder, ferr := models.FindClaimByPaymentId(ctx, tx, p.ID)
			if ferr != nil {
				return ferr
			}
			result.Duplicate = true
			result.Reason = reconcile.ReasonDuplicate
			if holder != nil {
				result.ExistingClaimId = holder.ID
				result.BySameUser = holder.SubmitterId == claim.SubmitterId
			}
			return nil
		}
		if err != nil {
			return err
		}
		if rows == 0 {
			result.AlreadyLinked = true
			result.Reason = reconcile.ReasonAlreadyLinked
			return nil
		}

		outcome, err := Bind(ctx, tx, claim.VenueId, p.Fingerprint, claim.SubmitterId, claim.ID, claim.PurchasedAt)
		if err != nil {
			return err
		}
		if outcome == models.WriteConflict {
			return errBindingConflict
		}

		if err := tx.Where("id = ?", claim.ID).Take(&updated).Error; err != nil {
			return err
		}
		if _, _, err := RecomputeLedger(ctx, tx, []models.Claim{updated}); err != nil {
			return err
		}
		Notify(ctx, tx, Notification{
			Kind:    models.NotificationClaimLinked,
			UserId:  updated.SubmitterId,
			ClaimId: updated.ID,
			VenueId: updated.VenueId,
			Payload: map[string]any{"payment_id": p.ID, "status": string(updated.Status)},
		})
		result.Linked = true
		return nil
	})
	if errors.Is(err, errBindingConflict) {
		return reconcile.SingleResult{Reason: reconcile.ReasonBoundToOtherUser, Payment: &p}, nil
	}
	if err != nil {
		return reconcile.SingleResult{}, err
	}
	return result, nil
}

type MatchApplyReport struct {
	Linked   []LinkResult   `json:"linked"`
	Rejected []LinkResult   `json:"rejected"`
	Failed   []ClaimFailure `json:"failed"`
}

// ApplyMatches writes every pair of a batch match. Each pair commits on its own; failures and
// rejections are collected per claim.
func ApplyMatches(ctx context.Context, db *gorm.DB, claims []models.Claim, matches []reconcile.Pair) MatchApplyReport {
	byId := make(map[int]models.Claim, len(claims))
	for _, c := range claims {
		byId[c.ID] = c
	}
	var report MatchApplyReport
	for _, m := range matches {
		claim, ok := byId[m.ClaimId]
		if !ok {
			report.Failed = append(report.Failed, ClaimFailure{ClaimId: m.ClaimId, Reason: "claim_not_loaded"})
			continue
		}
		res, err := ApplyPaymentLink(ctx, db, claim, m.Payment)
		if err != nil {
			config.LogError(config.GetLogger(), "claimLinkWorkflow.go", "ApplyMatches", "link claim", m.ClaimId, err)
			report.Failed = append(report.Failed, ClaimFailure{ClaimId: m.ClaimId, Reason: err.Error()})
			continue
		}
		lr := LinkResult{ClaimId: m.ClaimId, SingleResult: res}
		if res.Linked {
			report.Linked = append(report.Linked, lr)
		} else {
			report.Rejected = append(report.Rejected, lr)
		}
	}
	return report
}
