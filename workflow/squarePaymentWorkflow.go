package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/reconcile"
	"github.com/mmdatafocus/kickback_backend/utils"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const (
	PaymentActionIgnored       = "ignored"
	PaymentActionAlreadyLinked = "already_linked"
	PaymentActionLinked        = "linked"
	PaymentActionAutoCreated   = "auto_created"
	PaymentActionNotEligible   = "not_eligible"
	PaymentActionRejected      = "rejected"
)

type PaymentOutcome struct {
	PaymentId string `json:"payment_id"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	VenueId   int    `json:"venue_id,omitempty"`
	ClaimId   int    `json:"claim_id,omitempty"`
}

// HandleSquarePaymentEvent resolves a webhook's merchant to its venue connections, fetches the
// payment and hands it to HandleSquarePayment.
func HandleSquarePaymentEvent(ctx context.Context, db *gorm.DB, merchantId, paymentId string, sourceFor PaymentSourceFactory) (PaymentOutcome, error) {
	out := PaymentOutcome{PaymentId: paymentId, Action: PaymentActionIgnored}
	if merchantId == "" || paymentId == "" {
		out.Reason = "missing_ids"
		return out, nil
	}
	conns, err := models.SquareConnectionsByMerchant(ctx, db, merchantId)
	if err != nil {
		return out, err
	}
	if len(conns) == 0 {
		out.Reason = "unknown_merchant"
		return out, nil
	}
	held, err := models.FindClaimByPaymentId(ctx, db, paymentId)
	if err != nil {
		return out, err
	}
	if held != nil {
		out.Action = PaymentActionAlreadyLinked
		out.ClaimId = held.ID
		out.VenueId = held.VenueId
		return out, nil
	}

	if sourceFor == nil {
		sourceFor = SquarePaymentSource
	}
	src, err := sourceFor(conns[0])
	if err != nil {
		return out, err
	}
	payment, err := src.FetchPayment(ctx, paymentId)
	if err != nil {
		return out, err
	}
	if payment == nil {
		out.Reason = "payment_not_found"
		return out, nil
	}
	if payment.MerchantId == "" {
		payment.MerchantId = merchantId
	}
	return HandleSquarePayment(ctx, db, conns, *payment, models.ClaimSourceAuto)
}

// HandleSquarePayment reconciles one provider payment against the venues behind a merchant:
// a pending claim that matches is linked, otherwise a card already bound at the venue earns an
// automatic claim while the binding is inside the goal window.
func HandleSquarePayment(ctx context.Context, db *gorm.DB, conns []models.SquareConnection, p reconcile.Payment, source models.ClaimSource) (PaymentOutcome, error) {
	ctx, span := tracer.Start(ctx, "HandleSquarePayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment_id", p.ID))

	out := PaymentOutcome{PaymentId: p.ID, Action: PaymentActionIgnored}
	if !p.Matchable() {
		out.Reason = "unmatchable_payment"
		return out, nil
	}
	held, err := models.FindClaimByPaymentId(ctx, db, p.ID)
	if err != nil {
		return out, err
	}
	if held != nil {
		out.Action = PaymentActionAlreadyLinked
		out.ClaimId = held.ID
		out.VenueId = held.VenueId
		return out, nil
	}

	venues, err := candidateVenues(ctx, db, conns, p.LocationId)
	if err != nil {
		return out, err
	}
	if len(venues) == 0 {
		out.Reason = "no_candidate_venue"
		return out, nil
	}

	settings := config.Settings()
	for _, v := range venues {
		claims, err := models.ListPendingUnlinkedClaims(ctx, db, v.ID, p.Time.Add(-settings.MatchWindow), p.Time.Add(settings.MatchWindow))
		if err != nil {
			return out, err
		}
		result := reconcile.Match(claims, []reconcile.Payment{p}, settings.MatchWindow)
		if len(result.Matches) == 0 {
			continue
		}
		report := ApplyMatches(ctx, db, claims, result.Matches)
		if len(report.Linked) > 0 {
			out.Action = PaymentActionLinked
			out.VenueId = v.ID
			out.ClaimId = report.Linked[0].ClaimId
			return out, nil
		}
		if len(report.Rejected) > 0 {
			out.Action = PaymentActionRejected
			out.VenueId = v.ID
			out.ClaimId = report.Rejected[0].ClaimId
			out.Reason = report.Rejected[0].Reason
		}
	}
	if out.Action == PaymentActionRejected {
		return out, nil
	}

	binding, err := earliestBinding(ctx, db, venues, p.Fingerprint)
	if err != nil {
		return out, err
	}
	if binding == nil {
		out.Reason = "card_not_bound"
		return out, nil
	}
	out.VenueId = binding.VenueId
	if !binding.AutoClaimEligible(p.Time, settings.GoalDays) {
		out.Action = PaymentActionNotEligible
		out.Reason = "goal_window_elapsed"
		return out, nil
	}
	for _, v := range venues {
		if v.ID == binding.VenueId {
			return createAutoClaim(ctx, db, v, *binding, p, source, settings)
		}
	}
	return out, nil
}

// candidateVenues keeps the venues whose linked locations include the payment's location.
// A venue with no linked locations only qualifies when it is the merchant's only venue.
func candidateVenues(ctx context.Context, db *gorm.DB, conns []models.SquareConnection, locationId string) ([]models.Venue, error) {
	var out []models.Venue
	for _, conn := range conns {
		v, err := models.GetVenue(ctx, db, conn.VenueId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				continue
			}
			return nil, err
		}
		locations := v.LocationIds()
		if len(locations) == 0 {
			if len(conns) == 1 {
				out = append(out, *v)
			}
			continue
		}
		if locationId == "" {
			continue
		}
		for _, l := range locations {
			if l == locationId {
				out = append(out, *v)
				break
			}
		}
	}
	return out, nil
}

func earliestBinding(ctx context.Context, db *gorm.DB, venues []models.Venue, fingerprint string) (*models.CardBinding, error) {
	ids := make([]int, 0, len(venues))
	for _, v := range venues {
		ids = append(ids, v.ID)
	}
	var b models.CardBinding
	err := db.WithContext(ctx).
		Where("venue_id IN ? AND fingerprint = ?", ids, fingerprint).
		Order("first_purchase_at ASC, id ASC").
		Take(&b).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func createAutoClaim(ctx context.Context, db *gorm.DB, venue models.Venue, binding models.CardBinding, p reconcile.Payment, source models.ClaimSource, settings config.SettlementSettings) (PaymentOutcome, error) {
	out := PaymentOutcome{PaymentId: p.ID, VenueId: venue.ID}
	rates := models.EffectiveRate(venue.RateConfig(settings), p.Time)
	status := models.ClaimStatusPending
	if venue.AutoApprove {
		status = models.ClaimStatusApproved
	}
	currency := p.Currency
	if currency == "" {
		currency = venue.CurrencyCode()
	}
	now := time.Now().UTC()
	paymentId := p.ID
	fingerprint := p.Fingerprint
	claim := models.Claim{
		VenueId:           venue.ID,
		SubmitterId:       binding.UserId,
		Amount:            utils.FromCents(p.AmountCents),
		Currency:          utils.NormalizeCurrency(currency),
		Last4:             p.Last4,
		PurchasedAt:       p.Time.UTC(),
		GuestRate:         rates.GuestRate,
		ReferrerRate:      rates.ReferrerRate,
		Status:            status,
		Source:            source,
		ProviderPaymentId: &paymentId,
		CardFingerprint:   &fingerprint,
		LinkedAt:          &now,
	}
	if p.LocationId != "" {
		claim.LocationId = utils.NewString(p.LocationId)
	}
	if p.OrderId != "" {
		claim.ProviderOrderId = utils.NewString(p.OrderId)
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		first, err := models.FindFirstClaimAtVenue(ctx, tx, venue.ID, binding.UserId)
		if err != nil {
			return err
		}
		if first != nil {
			claim.ReferrerId = first.ReferrerId
			claim.ReferrerCode = first.ReferrerCode
		}
		if err := tx.Create(&claim).Error; err != nil {
			return err
		}
		if _, _, err := RecomputeLedger(ctx, tx, []models.Claim{claim}); err != nil {
			return err
		}
		Notify(ctx, tx, Notification{
			Kind:    models.NotificationClaimAutoCreated,
			UserId:  claim.SubmitterId,
			ClaimId: claim.ID,
			VenueId: claim.VenueId,
			Payload: map[string]any{"amount": claim.Amount.StringFixed(2), "status": string(claim.Status)},
		})
		return nil
	})
	if isDuplicateKeyErr(err) {
		out.Action = PaymentActionAlreadyLinked
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Action = PaymentActionAutoCreated
	out.ClaimId = claim.ID
	return out, nil
}

type PaymentFailure struct {
	PaymentId string `json:"payment_id"`
	Reason    string `json:"reason"`
}

type PaymentBatchReport struct {
	Outcomes []PaymentOutcome `json:"outcomes"`
	Failed   []PaymentFailure `json:"failed"`
}

// ReconcilePaymentBatch runs one page of a venue's provider payments through batch matching
// against the venue's pending claims. Payments left over go through HandleSquarePayment, which
// covers other venues of the merchant and auto-claims for bound cards.
func ReconcilePaymentBatch(ctx context.Context, db *gorm.DB, conn models.SquareConnection, payments []reconcile.Payment, source models.ClaimSource) (PaymentBatchReport, error) {
	ctx, span := tracer.Start(ctx, "ReconcilePaymentBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("venue_id", conn.VenueId), attribute.Int("payments", len(payments)))

	var report PaymentBatchReport
	if len(payments) == 0 {
		return report, nil
	}
	conns, err := models.SquareConnectionsByMerchant(ctx, db, conn.MerchantId)
	if err != nil {
		return report, err
	}
	if len(conns) == 0 {
		conns = []models.SquareConnection{conn}
	}
	held, err := linkedPayments(ctx, db, payments)
	if err != nil {
		return report, err
	}

	var fresh []reconcile.Payment
	var from, to time.Time
	for _, p := range payments {
		if lp, ok := held[p.ID]; ok {
			report.Outcomes = append(report.Outcomes, PaymentOutcome{PaymentId: p.ID, Action: PaymentActionAlreadyLinked, ClaimId: lp.ClaimId})
			continue
		}
		if !p.Matchable() {
			report.Outcomes = append(report.Outcomes, PaymentOutcome{PaymentId: p.ID, Action: PaymentActionIgnored, Reason: "unmatchable_payment"})
			continue
		}
		if from.IsZero() || p.Time.Before(from) {
			from = p.Time
		}
		if p.Time.After(to) {
			to = p.Time
		}
		fresh = append(fresh, p)
	}
	if len(fresh) == 0 {
		return report, nil
	}

	window := config.Settings().MatchWindow
	claims, err := models.ListPendingUnlinkedClaims(ctx, db, conn.VenueId, from.Add(-window), to.Add(window))
	if err != nil {
		return report, err
	}
	result := reconcile.Match(claims, fresh, window)
	paymentOf := make(map[int]string, len(result.Matches))
	for _, m := range result.Matches {
		paymentOf[m.ClaimId] = m.Payment.ID
	}
	applied := ApplyMatches(ctx, db, claims, result.Matches)
	done := map[string]bool{}
	for _, l := range applied.Linked {
		id := paymentOf[l.ClaimId]
		done[id] = true
		report.Outcomes = append(report.Outcomes, PaymentOutcome{PaymentId: id, Action: PaymentActionLinked, VenueId: conn.VenueId, ClaimId: l.ClaimId})
	}
	for _, l := range applied.Rejected {
		id := paymentOf[l.ClaimId]
		done[id] = true
		report.Outcomes = append(report.Outcomes, PaymentOutcome{PaymentId: id, Action: PaymentActionRejected, Reason: l.Reason, VenueId: conn.VenueId, ClaimId: l.ClaimId})
	}
	for _, f := range applied.Failed {
		id := paymentOf[f.ClaimId]
		done[id] = true
		report.Failed = append(report.Failed, PaymentFailure{PaymentId: id, Reason: f.Reason})
	}

	for _, p := range fresh {
		if done[p.ID] {
			continue
		}
		out, err := HandleSquarePayment(ctx, db, conns, p, source)
		if err != nil {
			config.LogError(config.GetLogger(), "squarePaymentWorkflow.go", "ReconcilePaymentBatch", "handle payment", p.ID, err)
			report.Failed = append(report.Failed, PaymentFailure{PaymentId: p.ID, Reason: err.Error()})
			continue
		}
		report.Outcomes = append(report.Outcomes, out)
	}
	return report, nil
}
