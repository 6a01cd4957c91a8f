package models

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	PayToResourceAgreement = "payto_agreement"
	PayToResourcePayment   = "payto_payment"
	PayToResourceRefund    = "payto_refund"
)

const PayToAgreementStatePending = "pending"

// Agreement state only moves on webhooks; create/amend/suspend calls never set it directly.
var agreementStateByEvent = map[string]string{
	"payto_agreement.activated":   "active",
	"payto_agreement.declined":    "declined",
	"payto_agreement.expired":     "expired",
	"payto_agreement.cancelled":   "cancelled",
	"payto_agreement.suspended":   "suspended",
	"payto_agreement.reactivated": "active",
}

var paymentStateByEvent = map[string]string{
	"payto_payment.settled":             "settled",
	"payto_payment.failed":              "failed",
	"payto_payment.under_investigation": "under_investigation",
	"payto_payment.pending":             "pending",
}

var refundStatusByEvent = map[string]string{
	"payto_refund.processed": "processed",
	"payto_refund.failed":    "failed",
}

func AgreementStateForEvent(eventType string) (string, bool) {
	s, ok := agreementStateByEvent[eventType]
	return s, ok
}

func PaymentStateForEvent(eventType string) (string, bool) {
	s, ok := paymentStateByEvent[eventType]
	return s, ok
}

func RefundStatusForEvent(eventType string) (string, bool) {
	s, ok := refundStatusByEvent[eventType]
	return s, ok
}

// InferPayToResourceType prefers the explicit type and falls back to the event prefix.
func InferPayToResourceType(eventType, resourceType string) string {
	if resourceType != "" {
		return resourceType
	}
	for _, prefix := range []string{PayToResourceAgreement, PayToResourcePayment, PayToResourceRefund} {
		if strings.HasPrefix(eventType, prefix) {
			return prefix
		}
	}
	return ""
}

// PayToAgreement is a venue's direct-debit mandate. Rail is zepto or helloclever;
// for HelloClever Uid holds the payment_agreement_id.
type PayToAgreement struct {
	ID                  int              `gorm:"primary_key" json:"id"`
	Rail                PaymentRail      `gorm:"size:20;not null;default:zepto" json:"rail"`
	Uid                 string           `gorm:"size:128;not null;uniqueIndex" json:"uid"`
	VenueId             *int             `gorm:"index" json:"venue_id"`
	ClientTransactionId *string          `gorm:"size:128;index" json:"client_transaction_id"`
	State               string           `gorm:"size:40;not null;default:pending" json:"state"`
	StateReason         *string          `gorm:"type:text" json:"state_reason"`
	StateCausedBy       *string          `gorm:"size:64" json:"state_caused_by"`
	MmsAgreementId      *string          `gorm:"size:128" json:"mms_agreement_id"`
	PayIdType           *string          `gorm:"size:10" json:"payid_type"`
	PayIdValue          *string          `gorm:"size:255" json:"payid_value"`
	LimitAmount         *decimal.Decimal `gorm:"type:decimal(20,2)" json:"limit_amount"`
	LastEventType       *string          `gorm:"size:64" json:"last_event_type"`
	LastWebhookAt       *time.Time       `json:"last_webhook_at"`
	LastWebhookBody     []byte           `gorm:"type:json" json:"-"`
	RequestPayload      []byte           `gorm:"type:json" json:"-"`
	ResponsePayload     []byte           `gorm:"type:json" json:"-"`
	CreatedAt           time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a PayToAgreement) IsActive() bool {
	return a.State == "active"
}

// LatestAgreementForVenue returns nil, nil when the venue has none on that rail.
func LatestAgreementForVenue(ctx context.Context, db *gorm.DB, venueId int, rail PaymentRail) (*PayToAgreement, error) {
	var a PayToAgreement
	err := db.WithContext(ctx).
		Where("venue_id = ? AND rail = ?", venueId, rail).
		Order("created_at DESC, id DESC").
		Take(&a).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func AgreementByUid(ctx context.Context, db *gorm.DB, uid string) (*PayToAgreement, error) {
	var a PayToAgreement
	err := db.WithContext(ctx).Where("uid = ?", uid).Take(&a).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// PayToPayment is a debit initiated against an agreement, usually for a weekly venue invoice.
type PayToPayment struct {
	ID                    int              `gorm:"primary_key" json:"id"`
	Uid                   string           `gorm:"size:128;not null;uniqueIndex" json:"uid"`
	AgreementUid          *string          `gorm:"size:128;index" json:"agreement_uid"`
	VenuePaymentRequestId *int             `gorm:"index" json:"venue_payment_request_id"`
	Amount                *decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	State                 string           `gorm:"size:40;not null;default:pending" json:"state"`
	Failure               []byte           `gorm:"type:json" json:"failure"`
	LastEventType         *string          `gorm:"size:64" json:"last_event_type"`
	LastWebhookAt         *time.Time       `json:"last_webhook_at"`
	LastWebhookBody       []byte           `gorm:"type:json" json:"-"`
	CreatedAt             time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type PayToRefund struct {
	ID              int        `gorm:"primary_key" json:"id"`
	Uid             string     `gorm:"size:128;not null;uniqueIndex" json:"uid"`
	PaymentUid      *string    `gorm:"size:128;index" json:"payment_uid"`
	Status          string     `gorm:"size:40;not null;default:pending" json:"status"`
	LastEventType   *string    `gorm:"size:64" json:"last_event_type"`
	LastWebhookAt   *time.Time `json:"last_webhook_at"`
	LastWebhookBody []byte     `gorm:"type:json" json:"-"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ZeptoConnection stores a venue's Zepto OAuth token. Venue-less rows are the platform connection.
type ZeptoConnection struct {
	ID           int       `gorm:"primary_key" json:"id"`
	VenueId      *int      `gorm:"uniqueIndex" json:"venue_id"`
	ConnectionId string    `gorm:"size:64;index" json:"connection_id"`
	AccessToken  string    `gorm:"type:text;not null" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
