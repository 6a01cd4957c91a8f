package models

import (
	"time"

	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/shopspring/decimal"
)

type LedgerStatus string

const (
	LedgerStatusPending   LedgerStatus = "pending"
	LedgerStatusApproved  LedgerStatus = "approved"
	LedgerStatusDenied    LedgerStatus = "denied"
	LedgerStatusVenuePaid LedgerStatus = "venuepaid"
	LedgerStatusAvailable LedgerStatus = "available"
	LedgerStatusPaidOut   LedgerStatus = "paidout"
)

// ledgerRank orders the forward path; denied sits outside it.
var ledgerRank = map[LedgerStatus]int{
	LedgerStatusPending:   0,
	LedgerStatusApproved:  1,
	LedgerStatusVenuePaid: 2,
	LedgerStatusAvailable: 3,
	LedgerStatusPaidOut:   4,
}

// LedgerEntry is one user's earning on one claim in one role.
// Unique (user_id, claim_id, role): recompute updates in place, never appends.
type LedgerEntry struct {
	ID        int             `gorm:"primary_key" json:"id"`
	UserId    string          `gorm:"size:64;not null;index:uniq_ledger_entry,unique,priority:1;index:idx_ledger_user_status,priority:1" json:"user_id"`
	ClaimId   int             `gorm:"not null;index:uniq_ledger_entry,unique,priority:2;index" json:"claim_id"`
	Role      EarningRole     `gorm:"size:10;not null;index:uniq_ledger_entry,unique,priority:3" json:"role"`
	VenueId   int             `gorm:"not null;index" json:"venue_id"`
	Amount    decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Currency  string          `gorm:"size:3;not null;default:aud" json:"currency"`
	Status    LedgerStatus    `gorm:"size:20;not null;index:idx_ledger_user_status,priority:2" json:"status"`
	SourceRef *string         `gorm:"size:128" json:"source_ref"`
	PaidOutAt *time.Time      `json:"paid_out_at"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// LedgerKey identifies an entry independent of its database id.
type LedgerKey struct {
	UserId  string
	ClaimId int
	Role    EarningRole
}

func (e LedgerEntry) Key() LedgerKey {
	return LedgerKey{UserId: e.UserId, ClaimId: e.ClaimId, Role: e.Role}
}

// LedgerStatusFor maps a claim status to the status of one of its earning roles.
// venuePaidHold parks venue-paid earnings in "venuepaid" instead of "available".
func LedgerStatusFor(status ClaimStatus, role EarningRole, venuePaidHold bool) LedgerStatus {
	settled := LedgerStatusAvailable
	if venuePaidHold {
		settled = LedgerStatusVenuePaid
	}
	switch status {
	case ClaimStatusPending:
		return LedgerStatusPending
	case ClaimStatusApproved:
		return LedgerStatusApproved
	case ClaimStatusDenied:
		return LedgerStatusDenied
	case ClaimStatusPaid:
		return settled
	case ClaimStatusGuestPaid:
		if role == EarningRoleGuest {
			return LedgerStatusPaidOut
		}
		return settled
	case ClaimStatusRefPaid:
		if role == EarningRoleReferrer {
			return LedgerStatusPaidOut
		}
		return settled
	case ClaimStatusPaidOut:
		return LedgerStatusPaidOut
	}
	return LedgerStatusPending
}

// ComputeLedgerEntries derives the guest and referrer entries for a claim from its frozen rates.
// Zero amounts produce no entry.
func ComputeLedgerEntries(c Claim, venuePaidHold bool) []LedgerEntry {
	currency := utils.NormalizeCurrency(c.Currency)
	var out []LedgerEntry

	guest := utils.PercentOf(c.Amount, c.GuestRate)
	if guest.IsPositive() {
		out = append(out, LedgerEntry{
			UserId:   c.SubmitterId,
			ClaimId:  c.ID,
			Role:     EarningRoleGuest,
			VenueId:  c.VenueId,
			Amount:   guest,
			Currency: currency,
			Status:   LedgerStatusFor(c.Status, EarningRoleGuest, venuePaidHold),
		})
	}
	if c.HasReferrer() {
		ref := utils.PercentOf(c.Amount, c.ReferrerRate)
		if ref.IsPositive() {
			out = append(out, LedgerEntry{
				UserId:   *c.ReferrerId,
				ClaimId:  c.ID,
				Role:     EarningRoleReferrer,
				VenueId:  c.VenueId,
				Amount:   ref,
				Currency: currency,
				Status:   LedgerStatusFor(c.Status, EarningRoleReferrer, venuePaidHold),
			})
		}
	}
	return out
}

// MergeLedgerStatus never moves an entry backwards. Denial wins over anything but a payout,
// and a denied entry stays denied.
func MergeLedgerStatus(existing, computed LedgerStatus) LedgerStatus {
	if existing == "" {
		return computed
	}
	if existing == LedgerStatusDenied {
		return LedgerStatusDenied
	}
	if computed == LedgerStatusDenied {
		if existing == LedgerStatusPaidOut {
			return existing
		}
		return LedgerStatusDenied
	}
	if ledgerRank[computed] > ledgerRank[existing] {
		return computed
	}
	return existing
}

// MergeLedgerEntry folds a freshly computed entry into the stored one and reports whether
// anything needs writing. Paid-out amounts are final.
func MergeLedgerEntry(existing LedgerEntry, computed LedgerEntry) (LedgerEntry, bool) {
	merged := existing
	merged.Status = MergeLedgerStatus(existing.Status, computed.Status)
	if existing.Status != LedgerStatusPaidOut {
		merged.Amount = computed.Amount
	}
	merged.Currency = computed.Currency
	merged.VenueId = computed.VenueId

	changed := merged.Status != existing.Status ||
		!merged.Amount.Equal(existing.Amount) ||
		merged.Currency != existing.Currency ||
		merged.VenueId != existing.VenueId
	return merged, changed
}

// LedgerTotals is user -> status -> amount.
type LedgerTotals map[string]map[LedgerStatus]decimal.Decimal

func (t LedgerTotals) Add(e LedgerEntry) {
	byStatus, ok := t[e.UserId]
	if !ok {
		byStatus = map[LedgerStatus]decimal.Decimal{}
		t[e.UserId] = byStatus
	}
	byStatus[e.Status] = byStatus[e.Status].Add(e.Amount)
}

func (t LedgerTotals) Of(userId string, status LedgerStatus) decimal.Decimal {
	return t[userId][status]
}
