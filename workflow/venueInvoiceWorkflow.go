package workflow

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/rails"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const DefaultInvoiceDescription = "Weekly Kickback invoice"

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

// LastWeekRange is the previous Monday-to-Monday week in loc, as [start, end).
func LastWeekRange(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	sinceMonday := (int(local.Weekday()) + 6) % 7
	end := time.Date(local.Year(), local.Month(), local.Day()-sinceMonday, 0, 0, 0, 0, loc)
	start := end.AddDate(0, 0, -7)
	return start, end
}

// WeekLabel renders [start, end) as "02 Mar 2026 - 08 Mar 2026".
func WeekLabel(start, end time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	const layout = "02 Jan 2006"
	return start.In(loc).Format(layout) + " - " + end.In(loc).AddDate(0, 0, -1).Format(layout)
}

type InvoiceTotals struct {
	ClaimCount       int             `json:"claim_count"`
	TotalClaimAmount decimal.Decimal `json:"total_claim_amount"`
	KickbackAmount   decimal.Decimal `json:"kickback_amount"`
	PlatformFee      decimal.Decimal `json:"platform_fee_amount"`
	Amount           decimal.Decimal `json:"amount"`
}

// ComputeVenueInvoice totals what a venue owes for its claims: the guest and referrer kickback
// plus the platform fee, each rounded per claim.
func ComputeVenueInvoice(claims []models.Claim, feeRate decimal.Decimal) InvoiceTotals {
	t := InvoiceTotals{
		TotalClaimAmount: decimal.Zero,
		KickbackAmount:   decimal.Zero,
		PlatformFee:      decimal.Zero,
	}
	for _, c := range claims {
		t.ClaimCount++
		t.TotalClaimAmount = t.TotalClaimAmount.Add(c.Amount)
		combined := utils.PercentOf(c.Amount, c.GuestRate.Add(c.ReferrerRate).Add(feeRate))
		fee := utils.PercentOf(c.Amount, feeRate)
		t.PlatformFee = t.PlatformFee.Add(fee)
		t.KickbackAmount = t.KickbackAmount.Add(combined.Sub(fee))
	}
	t.TotalClaimAmount = utils.Round2(t.TotalClaimAmount)
	t.PlatformFee = utils.Round2(t.PlatformFee)
	t.KickbackAmount = utils.Round2(t.KickbackAmount)
	t.Amount = t.KickbackAmount.Add(t.PlatformFee)
	return t
}

type InvoicePreview struct {
	VenueId   int           `json:"venue_id"`
	VenueName string        `json:"venue_name"`
	Currency  string        `json:"currency"`
	WeekStart time.Time     `json:"week_start"`
	WeekEnd   time.Time     `json:"week_end"`
	WeekLabel string        `json:"week_label"`
	Totals    InvoiceTotals `json:"totals"`
}

func approvedClaimsInRange(ctx context.Context, db *gorm.DB, venueId int, start, end time.Time) ([]models.Claim, error) {
	var claims []models.Claim
	err := db.WithContext(ctx).
		Where("venue_id = ? AND status = ? AND purchased_at >= ? AND purchased_at < ?", venueId, models.ClaimStatusApproved, start, end).
		Order("purchased_at ASC, id ASC").
		Find(&claims).Error
	return claims, err
}

// PreviewVenueInvoice totals the venue's approved claims for last week without writing anything.
func PreviewVenueInvoice(ctx context.Context, db *gorm.DB, venueId int, now time.Time) (InvoicePreview, error) {
	settings := config.Settings()
	start, end := LastWeekRange(now, settings.RateLocation)
	venue, err := models.GetVenue(ctx, db, venueId)
	if err != nil {
		return InvoicePreview{}, err
	}
	claims, err := approvedClaimsInRange(ctx, db, venueId, start, end)
	if err != nil {
		return InvoicePreview{}, err
	}
	return InvoicePreview{
		VenueId:   venue.ID,
		VenueName: venue.Name,
		Currency:  venue.CurrencyCode(),
		WeekStart: start,
		WeekEnd:   end,
		WeekLabel: WeekLabel(start, end, settings.RateLocation),
		Totals:    ComputeVenueInvoice(claims, settings.PlatformFeeRate),
	}, nil
}

type CreateInvoiceInput struct {
	VenueId     int    `json:"venue_id" validate:"required,gt=0"`
	Rail        string `json:"rail" validate:"omitempty,oneof=helloclever zepto"`
	Description string `json:"description"`
	// PublicBaseURL is where provider callbacks and the success redirect point to.
	PublicBaseURL string `json:"-"`
}

func gatewayContact(b models.VenueBilling) map[string]any {
	return map[string]any{
		"first_name":   b.ContactFirstName,
		"last_name":    b.ContactLastName,
		"phone":        b.Phone,
		"email":        b.Email,
		"company":      b.Company,
		"country_code": b.CountryCode,
		"state":        b.State,
		"postal_code":  b.PostalCode,
		"city":         b.City,
		"address":      b.Address,
	}
}

func gatewayOrderDetails(description string, amount decimal.Decimal, label string, billing models.VenueBilling, imageURL string) map[string]any {
	itemId := nonAlnum.ReplaceAllString(strings.ToLower(label), "")
	if itemId == "" {
		itemId = "invoice"
	}
	name := description
	if name == "" {
		name = "Kickback " + label
	}
	contact := gatewayContact(billing)
	return map[string]any{
		"billing_details":  contact,
		"shipping_details": contact,
		"items": []map[string]any{{
			"id":              "kickback-" + itemId,
			"name":            name,
			"variant_id":      "default",
			"image_url":       imageURL,
			"quantity":        "1",
			"price":           amount.StringFixed(2),
			"enable_cashback": false,
		}},
	}
}

// CreateGatewayInvoice raises last week's invoice on the hosted payment gateway and stores it as
// a created venue payment request. The claims settle when the gateway reports it paid.
func CreateGatewayInvoice(ctx context.Context, db *gorm.DB, gateway rails.GatewayRail, input CreateInvoiceInput, now time.Time) (*models.VenuePaymentRequest, error) {
	ctx, span := tracer.Start(ctx, "CreateGatewayInvoice")
	defer span.End()
	span.SetAttributes(attribute.Int("venue_id", input.VenueId))

	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	preview, err := PreviewVenueInvoice(ctx, db, input.VenueId, now)
	if err != nil {
		return nil, err
	}
	venue, err := models.GetVenue(ctx, db, input.VenueId)
	if err != nil {
		return nil, err
	}
	if missing := venue.Billing.MissingFields(); len(missing) > 0 {
		return nil, utils.NewValidationError("missing_billing_details", "%s", strings.Join(missing, ","))
	}
	if preview.Totals.ClaimCount == 0 {
		return nil, utils.NewValidationError("no_approved_claims", "no approved claims for %s", preview.WeekLabel)
	}

	description := strings.TrimSpace(input.Description)
	if description == "" {
		description = DefaultInvoiceDescription
	}
	base := strings.TrimRight(input.PublicBaseURL, "/")
	imageURL := utils.DerefString(venue.LogoUrl)
	if imageURL == "" {
		imageURL = base + "/favicon.svg"
	}
	orderId := uuid.NewString()
	result, err := gateway.CreatePayment(ctx, rails.GatewayPaymentRequest{
		OrderId:      orderId,
		Amount:       preview.Totals.Amount.StringFixed(2),
		Description:  description,
		SuccessURL:   base + "/admin?invoice=paid",
		NotifyURL:    base + "/webhooks/helloclever/gateway",
		OrderDetails: gatewayOrderDetails(description, preview.Totals.Amount, preview.WeekLabel, venue.Billing, imageURL),
	})
	if err != nil {
		return nil, err
	}

	req := newVenuePaymentRequest(preview, models.PaymentRailHelloClever, orderId, description)
	if result.PaymentId != "" {
		req.ExternalId = utils.NewString(result.PaymentId)
	}
	if result.RedirectUrl != "" {
		req.RedirectUrl = utils.NewString(result.RedirectUrl)
	}
	req.ResponseJSON = result.Body
	if err := db.WithContext(ctx).Create(&req).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

// CreatePayToInvoice debits last week's invoice from the venue's active Zepto agreement.
func CreatePayToInvoice(ctx context.Context, db *gorm.DB, rail rails.AgreementRail, input CreateInvoiceInput, now time.Time) (*models.VenuePaymentRequest, error) {
	ctx, span := tracer.Start(ctx, "CreatePayToInvoice")
	defer span.End()
	span.SetAttributes(attribute.Int("venue_id", input.VenueId))

	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	agreement, err := models.LatestAgreementForVenue(ctx, db, input.VenueId, models.PaymentRailZepto)
	if err != nil {
		return nil, err
	}
	if agreement == nil || !agreement.IsActive() {
		return nil, utils.NewConflictError("no_active_agreement", "venue %d has no active PayTo agreement", input.VenueId)
	}
	preview, err := PreviewVenueInvoice(ctx, db, input.VenueId, now)
	if err != nil {
		return nil, err
	}
	if preview.Totals.ClaimCount == 0 {
		return nil, utils.NewValidationError("no_approved_claims", "no approved claims for %s", preview.WeekLabel)
	}
	if agreement.LimitAmount != nil && preview.Totals.Amount.GreaterThan(*agreement.LimitAmount) {
		return nil, utils.NewConflictError("agreement_limit_exceeded", "invoice %s exceeds agreement limit %s",
			preview.Totals.Amount.StringFixed(2), agreement.LimitAmount.StringFixed(2))
	}

	description := strings.TrimSpace(input.Description)
	if description == "" {
		description = DefaultInvoiceDescription
	}
	orderId := uuid.NewString()
	result, err := rail.InitiatePayment(ctx, rails.PayToPaymentRequest{
		AgreementUid:    agreement.Uid,
		AmountCents:     utils.ToCents(preview.Totals.Amount),
		Description:     description,
		UniqueReference: orderId,
	})
	if err != nil {
		return nil, err
	}

	req := newVenuePaymentRequest(preview, models.PaymentRailZepto, orderId, description)
	if result.Uid != "" {
		req.ExternalId = utils.NewString(result.Uid)
	}
	req.ResponseJSON = result.Body
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&req).Error; err != nil {
			return err
		}
		if result.Uid == "" {
			return nil
		}
		amount := preview.Totals.Amount
		state := result.State
		if state == "" {
			state = "pending"
		}
		return tx.Create(&models.PayToPayment{
			Uid:                   result.Uid,
			AgreementUid:          utils.NewString(agreement.Uid),
			VenuePaymentRequestId: &req.ID,
			Amount:                &amount,
			State:                 state,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func newVenuePaymentRequest(p InvoicePreview, rail models.PaymentRail, orderId, description string) models.VenuePaymentRequest {
	return models.VenuePaymentRequest{
		VenueId:          p.VenueId,
		Rail:             rail,
		OrderId:          orderId,
		Description:      description,
		Currency:         p.Currency,
		WeekStart:        p.WeekStart,
		WeekEnd:          p.WeekEnd,
		ClaimCount:       p.Totals.ClaimCount,
		TotalClaimAmount: p.Totals.TotalClaimAmount,
		KickbackAmount:   p.Totals.KickbackAmount,
		PlatformFee:      p.Totals.PlatformFee,
		Amount:           p.Totals.Amount,
		Status:           models.VenuePaymentStatusCreated,
	}
}

type PaymentRequestUpdate struct {
	Request    *models.VenuePaymentRequest `json:"payment_request"`
	Settlement *VenueSettlement            `json:"settlement,omitempty"`
}

// ApplyGatewayStatus records a gateway status callback. A paid status settles the invoice week.
func ApplyGatewayStatus(ctx context.Context, db *gorm.DB, paymentId, orderId, status string, body []byte) (PaymentRequestUpdate, error) {
	var out PaymentRequestUpdate
	if paymentId == "" && orderId == "" {
		return out, utils.NewValidationError("payment_id", "missing_identifier")
	}
	req, err := models.FindVenuePaymentRequest(ctx, db, paymentId, orderId)
	if err != nil {
		return out, err
	}
	if req == nil {
		return out, utils.NewNotFoundError("venue_payment_request", paymentId+orderId)
	}
	updates := map[string]interface{}{"status": status}
	if len(body) > 0 && json.Valid(body) {
		updates["response_json"] = body
	}
	paid := models.IsPaidStatus(status)
	if paid && req.PaidAt == nil {
		now := time.Now().UTC()
		updates["paid_at"] = &now
	}
	if err := db.WithContext(ctx).Model(&models.VenuePaymentRequest{}).Where("id = ?", req.ID).Updates(updates).Error; err != nil {
		return out, err
	}
	req.Status = status
	out.Request = req
	if !paid {
		return out, nil
	}
	settlement, err := SettlePaymentRequest(ctx, db, req)
	if err != nil {
		return out, err
	}
	out.Settlement = settlement
	return out, nil
}

// SettlePaymentRequest settles the request's week once. Running it again after a crash between
// the two steps is safe: SettleVenueWeek finds nothing left to settle.
func SettlePaymentRequest(ctx context.Context, db *gorm.DB, req *models.VenuePaymentRequest) (*VenueSettlement, error) {
	if req.SettledAt != nil {
		return nil, nil
	}
	ref := string(req.Rail) + ":" + req.OrderId
	settlement, err := SettleVenueWeek(ctx, db, req.VenueId, req.WeekStart, req.WeekEnd, ref)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := db.WithContext(ctx).Model(&models.VenuePaymentRequest{}).
		Where("id = ? AND settled_at IS NULL", req.ID).
		Updates(map[string]interface{}{"settled_at": &now, "status": models.VenuePaymentStatusPaid}).Error; err != nil {
		return &settlement, err
	}
	req.SettledAt = &now
	return &settlement, nil
}

type StripeInvoicePaid struct {
	InvoiceId string
	VenueId   int
	WeekStart time.Time
	WeekEnd   time.Time
}

// SettleStripeInvoice settles a paid Stripe invoice. Week bounds come from the invoice metadata,
// falling back to the stored payment request for the invoice id.
func SettleStripeInvoice(ctx context.Context, db *gorm.DB, inv StripeInvoicePaid) (*VenueSettlement, error) {
	var stored *models.VenuePaymentRequest
	if inv.InvoiceId != "" {
		var err error
		stored, err = models.FindVenuePaymentRequest(ctx, db, inv.InvoiceId, "")
		if err != nil {
			return nil, err
		}
	}
	if stored != nil {
		if inv.VenueId == 0 {
			inv.VenueId = stored.VenueId
		}
		if inv.WeekStart.IsZero() || inv.WeekEnd.IsZero() {
			inv.WeekStart, inv.WeekEnd = stored.WeekStart, stored.WeekEnd
		}
	}
	if inv.VenueId == 0 || inv.WeekStart.IsZero() || inv.WeekEnd.IsZero() {
		return nil, utils.NewValidationError("metadata", "missing_invoice_metadata")
	}
	if stored != nil && stored.VenueId == inv.VenueId && stored.WeekStart.Equal(inv.WeekStart) && stored.WeekEnd.Equal(inv.WeekEnd) {
		return SettlePaymentRequest(ctx, db, stored)
	}
	settlement, err := SettleVenueWeek(ctx, db, inv.VenueId, inv.WeekStart, inv.WeekEnd, "stripe:"+inv.InvoiceId)
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}
