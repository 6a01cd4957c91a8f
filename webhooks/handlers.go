package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/rails"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/mmdatafocus/kickback_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const maxWebhookBody = 1 << 20

// TransferRailFactory opens the Stripe transfer rail; nil disables automatic transfers.
type TransferRailFactory func() (rails.TransferRail, error)

func StripeTransfers() (rails.TransferRail, error) {
	client, err := rails.NewStripeClient()
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Handlers serves every provider webhook. Now is swapped in tests to pin signature timestamps.
type Handlers struct {
	DB        *gorm.DB
	SourceFor workflow.PaymentSourceFactory
	Transfers TransferRailFactory
	Now       func() time.Time
}

func NewHandlers(db *gorm.DB) *Handlers {
	return &Handlers{
		DB:        db,
		SourceFor: workflow.SquarePaymentSource,
		Transfers: StripeTransfers,
		Now:       time.Now,
	}
}

func (h *Handlers) db() *gorm.DB {
	if h.DB != nil {
		return h.DB
	}
	return config.GetDB()
}

func (h *Handlers) Register(r gin.IRouter) {
	r.POST("/square", h.Square())
	r.POST("/stripe/invoices", h.StripeInvoices())
	r.POST("/stripe/payouts", h.StripePayouts())
	r.POST("/zepto", h.Zepto())
	r.POST("/helloclever/gateway", h.HelloCleverGateway())
	r.POST("/helloclever/payto", h.HelloCleverPayTo())
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_body"})
		return nil, false
	}
	return body, true
}

func respondError(c *gin.Context, handler string, err error) {
	status := utils.HTTPStatus(err)
	if errors.Is(err, workflow.ErrIdempotencyInProgress) {
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		config.LogError(config.GetLogger(), "webhooks/handlers.go", handler, "process webhook", nil, err)
	}
	c.JSON(status, gin.H{"ok": false, "error": err.Error()})
}

func record(ctx context.Context, db *gorm.DB, ev models.WebhookEvent) {
	if ev.EventId == "" {
		ev.EventId = uuid.NewString()
	}
	if err := models.RecordWebhookEvent(ctx, db, &ev); err != nil {
		config.LogError(config.GetLogger(), "webhooks/handlers.go", "record", "store webhook event", ev.EventId, err)
	}
}

type squareEnvelope struct {
	EventId    string `json:"event_id"`
	Type       string `json:"type"`
	MerchantId string `json:"merchant_id"`
	CreatedAt  string `json:"created_at"`
	Data       struct {
		Id     string `json:"id"`
		Type   string `json:"type"`
		Object struct {
			Payment struct {
				Id string `json:"id"`
			} `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

func (h *Handlers) Square() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}
		if err := VerifySquareSignature(c.Request, body, SquareWebhookKeys()); err != nil {
			respondError(c, "Square", err)
			return
		}
		var ev squareEnvelope
		if err := json.Unmarshal(body, &ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_payload"})
			return
		}
		paymentId := ev.Data.Object.Payment.Id
		if paymentId == "" {
			paymentId = ev.Data.Id
		}
		ctx := c.Request.Context()
		resourceType := "payment"
		record(ctx, h.db(), models.WebhookEvent{
			Provider:     models.WebhookProviderSquare,
			EventId:      ev.EventId,
			EventType:    ev.Type,
			ResourceType: &resourceType,
			ResourceUid:  utils.NewString(paymentId),
			PublishedAt:  parseTime(ev.CreatedAt),
			Payload:      body,
		})
		if ev.Type != "payment.created" && ev.Type != "payment.updated" {
			c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true})
			return
		}

		var outcome workflow.PaymentOutcome
		skipped, err := workflow.RunIdempotent(h.db(), models.WebhookProviderSquare, "payment", ev.EventId, func() error {
			var err error
			outcome, err = workflow.HandleSquarePaymentEvent(ctx, h.db(), ev.MerchantId, paymentId, h.SourceFor)
			return err
		})
		if err != nil {
			respondError(c, "Square", err)
			return
		}
		if skipped {
			c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "outcome": outcome})
	}
}

type stripeEvent struct {
	Id      string `json:"id"`
	Type    string `json:"type"`
	Account string `json:"account"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeInvoice struct {
	Id       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

type stripePayout struct {
	Id       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (h *Handlers) stripeEvent(c *gin.Context, handler string) (stripeEvent, bool) {
	var ev stripeEvent
	body, ok := readBody(c)
	if !ok {
		return ev, false
	}
	if err := VerifyStripeSignature(c.GetHeader("Stripe-Signature"), body, StripeWebhookSecrets(), h.Now()); err != nil {
		respondError(c, handler, err)
		return ev, false
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_payload"})
		return ev, false
	}
	var ref struct {
		Id     string `json:"id"`
		Object string `json:"object"`
	}
	_ = json.Unmarshal(ev.Data.Object, &ref)
	published := time.Unix(ev.Created, 0).UTC()
	record(c.Request.Context(), h.db(), models.WebhookEvent{
		Provider:     models.WebhookProviderStripe,
		EventId:      ev.Id,
		EventType:    ev.Type,
		ResourceType: utils.NewString(ref.Object),
		ResourceUid:  utils.NewString(ref.Id),
		PublishedAt:  &published,
		Payload:      body,
	})
	return ev, true
}

// parseWeekBound accepts RFC 3339 timestamps and plain dates.
func parseWeekBound(s string) time.Time {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t
	}
	return time.Time{}
}

func (h *Handlers) StripeInvoices() gin.HandlerFunc {
	return func(c *gin.Context) {
		ev, ok := h.stripeEvent(c, "StripeInvoices")
		if !ok {
			return
		}
		if ev.Type != "invoice.paid" && ev.Type != "invoice.payment_succeeded" {
			c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true})
			return
		}
		var inv stripeInvoice
		if err := json.Unmarshal(ev.Data.Object, &inv); err != nil || inv.Id == "" {
			c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true})
			return
		}
		venueId, _ := strconv.Atoi(inv.Metadata["venue_id"])
		paid := workflow.StripeInvoicePaid{
			InvoiceId: inv.Id,
			VenueId:   venueId,
			WeekStart: parseWeekBound(inv.Metadata["week_start"]),
			WeekEnd:   parseWeekBound(inv.Metadata["week_end"]),
		}

		ctx := c.Request.Context()
		var settlement *workflow.VenueSettlement
		// invoice.paid and invoice.payment_succeeded both arrive for one invoice; key on the invoice.
		skipped, err := workflow.RunIdempotent(h.db(), models.WebhookProviderStripe, "invoice.paid", inv.Id, func() error {
			var err error
			settlement, err = workflow.SettleStripeInvoice(ctx, h.db(), paid)
			return err
		})
		if err != nil {
			respondError(c, "StripeInvoices", err)
			return
		}
		if skipped {
			c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": true})
			return
		}
		resp := gin.H{"ok": true, "settlement": settlement}
		if settlement != nil && config.StripeAutoTransfer() && h.Transfers != nil {
			resp["transfers"] = h.autoTransfer(ctx, settlement)
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (h *Handlers) autoTransfer(ctx context.Context, s *workflow.VenueSettlement) *workflow.TransferReport {
	var batches []models.PayoutBatch
	for _, b := range s.Batches {
		if b.Batch != nil && b.Error == "" {
			batches = append(batches, *b.Batch)
		}
	}
	if len(batches) == 0 {
		return nil
	}
	rail, err := h.Transfers()
	if err != nil {
		config.LogError(config.GetLogger(), "webhooks/handlers.go", "autoTransfer", "open transfer rail", s.VenueId, err)
		return nil
	}
	report, err := workflow.SendBatchTransfers(ctx, h.db(), rail, batches)
	if err != nil {
		config.LogError(config.GetLogger(), "webhooks/handlers.go", "autoTransfer", "send transfers", s.VenueId, err)
		return nil
	}
	return &report
}

func (h *Handlers) StripePayouts() gin.HandlerFunc {
	return func(c *gin.Context) {
		ev, ok := h.stripeEvent(c, "StripePayouts")
		if !ok {
			return
		}
		if ev.Type != "payout.paid" || ev.Account == "" {
			c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true})
			return
		}
		var payout stripePayout
		if err := json.Unmarshal(ev.Data.Object, &payout); err != nil || payout.Id == "" {
			c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true})
			return
		}
		ctx := c.Request.Context()
		var result workflow.AccountPayoutResult
		skipped, err := workflow.RunIdempotent(h.db(), models.WebhookProviderStripe, "payout.paid", payout.Id, func() error {
			var err error
			result, err = workflow.ReconcileAccountPayout(ctx, h.db(), ev.Account, payout.Amount, payout.Currency, payout.Id)
			return err
		})
		if err != nil {
			respondError(c, "StripePayouts", err)
			return
		}
		if skipped {
			c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": true})
			return
		}
		if result.Reason == "unknown_account" {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "user_not_found_for_account"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
	}
}

func (h *Handlers) Zepto() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}
		err := VerifyZeptoSignature(c.GetHeader(zeptoSignatureHeader), c.GetHeader("Authorization"), body, ZeptoWebhookSecrets(), h.Now())
		if err != nil {
			respondError(c, "Zepto", err)
			return
		}
		events, err := workflow.ParseZeptoEvents(body, c.GetHeader(zeptoRequestIdHeader))
		if err != nil {
			respondError(c, "Zepto", err)
			return
		}

		ctx := c.Request.Context()
		applied, duplicates := 0, 0
		var settlements []*workflow.VenueSettlement
		for _, ev := range events {
			if ev.EventId == "" {
				ev.EventId = uuid.NewString()
			}
			record(ctx, h.db(), models.WebhookEvent{
				Provider:     models.WebhookProviderZepto,
				EventId:      ev.EventId,
				EventType:    ev.EventType,
				ResourceType: utils.NewString(ev.ResourceType),
				ResourceUid:  utils.NewString(ev.ResourceUid),
				PublishedAt:  ev.PublishedAt,
				Payload:      body,
			})
			skipped, err := workflow.RunIdempotent(h.db(), models.WebhookProviderZepto, ev.ResourceType, ev.EventId, func() error {
				s, err := workflow.ApplyZeptoEvent(ctx, h.db(), ev)
				if s != nil {
					settlements = append(settlements, s)
				}
				return err
			})
			if err != nil {
				respondError(c, "Zepto", err)
				return
			}
			if skipped {
				duplicates++
				continue
			}
			applied++
		}
		config.GetLogger().WithFields(logrus.Fields{
			"field":      "Zepto",
			"events":     len(events),
			"applied":    applied,
			"duplicates": duplicates,
		}).Info("zepto webhook processed")
		c.JSON(http.StatusOK, gin.H{"ok": true, "applied": applied, "duplicates": duplicates, "settlements": settlements})
	}
}

type helloCleverGatewayPayload struct {
	PaymentId string `json:"payment_id"`
	OrderId   string `json:"order_id"`
	Status    string `json:"status"`
}

func (h *Handlers) HelloCleverGateway() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}
		if err := VerifyBearer("helloclever", c.GetHeader("Authorization"), HelloCleverWebhookSecrets()); err != nil {
			respondError(c, "HelloCleverGateway", err)
			return
		}
		var p helloCleverGatewayPayload
		if err := json.Unmarshal(body, &p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_payload"})
			return
		}
		if p.PaymentId == "" && p.OrderId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "missing_identifier"})
			return
		}

		ctx := c.Request.Context()
		ref := p.PaymentId
		if ref == "" {
			ref = p.OrderId
		}
		eventId := ref + ":" + strings.ToLower(p.Status)
		record(ctx, h.db(), models.WebhookEvent{
			Provider:     models.WebhookProviderHelloClever,
			EventId:      eventId,
			EventType:    "gateway." + strings.ToLower(p.Status),
			ResourceType: utils.NewString("gateway_payment"),
			ResourceUid:  utils.NewString(ref),
			Payload:      body,
		})

		var update workflow.PaymentRequestUpdate
		skipped, err := workflow.RunIdempotent(h.db(), models.WebhookProviderHelloClever, "gateway", eventId, func() error {
			var err error
			update, err = workflow.ApplyGatewayStatus(ctx, h.db(), p.PaymentId, p.OrderId, p.Status, body)
			return err
		})
		var notFound *utils.NotFoundError
		if errors.As(err, &notFound) {
			c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true})
			return
		}
		if err != nil {
			respondError(c, "HelloCleverGateway", err)
			return
		}
		if skipped {
			c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "payment_request": update.Request, "settlement": update.Settlement})
	}
}

type helloCleverPayToPayload struct {
	PaymentAgreementId  string `json:"payment_agreement_id"`
	ClientTransactionId string `json:"client_transaction_id"`
	Status              string `json:"status"`
}

func (h *Handlers) HelloCleverPayTo() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}
		if err := VerifyBearer("helloclever", c.GetHeader("Authorization"), HelloCleverWebhookSecrets()); err != nil {
			respondError(c, "HelloCleverPayTo", err)
			return
		}
		var p helloCleverPayToPayload
		if err := json.Unmarshal(body, &p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_payload"})
			return
		}
		if p.PaymentAgreementId == "" && p.ClientTransactionId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "missing_identifier"})
			return
		}
		ctx := c.Request.Context()
		ref := p.PaymentAgreementId
		if ref == "" {
			ref = p.ClientTransactionId
		}
		eventId := ref + ":" + strings.ToLower(p.Status)
		record(ctx, h.db(), models.WebhookEvent{
			Provider:     models.WebhookProviderHelloClever,
			EventId:      eventId,
			EventType:    "payto_agreement." + strings.ToLower(p.Status),
			ResourceType: utils.NewString(models.PayToResourceAgreement),
			ResourceUid:  utils.NewString(ref),
			Payload:      body,
		})
		var agreement *models.PayToAgreement
		skipped, err := workflow.RunIdempotent(h.db(), models.WebhookProviderHelloClever, "payto_agreement", eventId, func() error {
			var err error
			agreement, err = workflow.ApplyHelloCleverAgreementStatus(ctx, h.db(), p.PaymentAgreementId, p.ClientTransactionId, p.Status, body)
			return err
		})
		if err != nil {
			respondError(c, "HelloCleverPayTo", err)
			return
		}
		if skipped {
			c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "agreement": agreement})
	}
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
