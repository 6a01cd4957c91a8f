package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PayoutBatchStatus string

const (
	PayoutBatchStatusUnpaid PayoutBatchStatus = "unpaid"
	PayoutBatchStatusPaid   PayoutBatchStatus = "paid"
)

// PayoutBatch aggregates a user's earnings in one currency for a single payout.
// OpenKey is "user|currency" while unpaid and NULL once paid; its unique index
// keeps at most one open batch per user and currency.
type PayoutBatch struct {
	ID          string             `gorm:"primaryKey;size:64" json:"id"`
	UserId      string             `gorm:"size:64;not null;index" json:"user_id"`
	Currency    string             `gorm:"size:3;not null" json:"currency"`
	Amount      decimal.Decimal    `gorm:"type:decimal(20,2);not null;default:0" json:"amount"`
	ClaimCount  int                `gorm:"not null;default:0" json:"claim_count"`
	Status      PayoutBatchStatus  `gorm:"size:10;not null;index" json:"status"`
	OpenKey     *string            `gorm:"size:80;uniqueIndex" json:"-"`
	ExternalRef *string            `gorm:"size:128" json:"external_ref"`
	TransferRef *string            `gorm:"size:128" json:"transfer_ref"`
	PaidAt      *time.Time         `json:"paid_at"`
	Claims      []PayoutBatchClaim `gorm:"foreignKey:BatchId" json:"claims,omitempty"`
	CreatedAt   time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// PayoutBatchClaim is one claim's contribution to a batch: the user's combined share of it.
type PayoutBatchClaim struct {
	ID        int             `gorm:"primary_key" json:"id"`
	BatchId   string          `gorm:"size:64;not null;index:uniq_batch_claim,unique,priority:1" json:"batch_id"`
	ClaimId   int             `gorm:"not null;index:uniq_batch_claim,unique,priority:2;index" json:"claim_id"`
	UserId    string          `gorm:"size:64;not null" json:"user_id"`
	Amount    decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func OpenBatchKey(userId, currency string) string {
	return userId + "|" + strings.ToLower(currency)
}

// NewPayoutBatchId builds "payout_<unix-ms>_<first 8 of user id>".
func NewPayoutBatchId(userId string, at time.Time) string {
	short := strings.ReplaceAll(userId, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("payout_%d_%s", at.UnixMilli(), short)
}

func (b PayoutBatch) ClaimIds() []int {
	ids := make([]int, 0, len(b.Claims))
	for _, c := range b.Claims {
		ids = append(ids, c.ClaimId)
	}
	return ids
}

// BatchContribution is what a user is owed on one claim, before it joins a batch.
type BatchContribution struct {
	ClaimId int
	Amount  decimal.Decimal
}

// NewContributions drops claims the batch already holds and duplicate claim ids,
// and returns the added total. Merging the same contributions twice adds nothing.
func NewContributions(existing []int, contributions []BatchContribution) ([]BatchContribution, decimal.Decimal) {
	held := make(map[int]bool, len(existing))
	for _, id := range existing {
		held[id] = true
	}
	var added []BatchContribution
	total := decimal.Zero
	for _, c := range contributions {
		if held[c.ClaimId] || !c.Amount.IsPositive() {
			continue
		}
		held[c.ClaimId] = true
		added = append(added, c)
		total = total.Add(c.Amount)
	}
	return added, total
}
