package models

import (
	"strings"

	"github.com/mmdatafocus/kickback_backend/utils"
)

type ClaimStatus string

const (
	ClaimStatusPending   ClaimStatus = "pending"
	ClaimStatusApproved  ClaimStatus = "approved"
	ClaimStatusDenied    ClaimStatus = "denied"
	ClaimStatusPaid      ClaimStatus = "paid"
	ClaimStatusGuestPaid ClaimStatus = "guestpaid"
	ClaimStatusRefPaid   ClaimStatus = "refpaid"
	ClaimStatusPaidOut   ClaimStatus = "paidout"
)

var allClaimStatuses = []ClaimStatus{
	ClaimStatusPending, ClaimStatusApproved, ClaimStatusDenied, ClaimStatusPaid,
	ClaimStatusGuestPaid, ClaimStatusRefPaid, ClaimStatusPaidOut,
}

// EarningRole is the side of a claim a ledger entry pays.
type EarningRole string

const (
	EarningRoleGuest    EarningRole = "guest"
	EarningRoleReferrer EarningRole = "referrer"
)

// claimTransitions lists every legal move. denied and paidout have no outgoing edges.
var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimStatusPending:   {ClaimStatusApproved, ClaimStatusDenied},
	ClaimStatusApproved:  {ClaimStatusPaid, ClaimStatusDenied},
	ClaimStatusPaid:      {ClaimStatusGuestPaid, ClaimStatusRefPaid, ClaimStatusPaidOut},
	ClaimStatusGuestPaid: {ClaimStatusPaidOut},
	ClaimStatusRefPaid:   {ClaimStatusPaidOut},
}

// ParseClaimStatus rejects unknown strings; callers validate every status before mutating anything.
func ParseClaimStatus(s string) (ClaimStatus, error) {
	v := ClaimStatus(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range allClaimStatuses {
		if st == v {
			return v, nil
		}
	}
	return "", utils.NewValidationError("status", "unknown claim status %q", s)
}

func (s ClaimStatus) IsValid() bool {
	_, err := ParseClaimStatus(string(s))
	return err == nil
}

func (s ClaimStatus) IsTerminal() bool {
	return s == ClaimStatusDenied || s == ClaimStatusPaidOut
}

// IsSettled is true once the venue has paid for the claim.
func (s ClaimStatus) IsSettled() bool {
	switch s {
	case ClaimStatusPaid, ClaimStatusGuestPaid, ClaimStatusRefPaid, ClaimStatusPaidOut:
		return true
	}
	return false
}

func CanTransition(from, to ClaimStatus) bool {
	if from == to {
		return true
	}
	for _, next := range claimTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a move. Re-applying the current status is a no-op, not an error.
func Transition(from, to ClaimStatus) (ClaimStatus, error) {
	if !to.IsValid() {
		return from, utils.NewValidationError("status", "unknown claim status %q", to)
	}
	if !CanTransition(from, to) {
		return from, utils.NewConflictError("illegal_transition", "claim cannot move from %s to %s", from, to)
	}
	return to, nil
}

// SettleRoles advances a claim after one or both earning roles were paid out.
// Settling a role that is already settled changes nothing. With no referrer the
// guest role alone completes the claim.
func SettleRoles(current ClaimStatus, roles []EarningRole, hasReferrer bool) (ClaimStatus, error) {
	guestDone, refDone := false, !hasReferrer
	switch current {
	case ClaimStatusPaid:
	case ClaimStatusGuestPaid:
		guestDone = true
	case ClaimStatusRefPaid:
		refDone = true
	case ClaimStatusPaidOut:
		return ClaimStatusPaidOut, nil
	default:
		return current, utils.NewConflictError("not_settleable", "claim in status %s cannot be paid out", current)
	}

	for _, role := range roles {
		switch role {
		case EarningRoleGuest:
			guestDone = true
		case EarningRoleReferrer:
			if !hasReferrer {
				return current, utils.NewValidationError("role", "claim has no referrer")
			}
			refDone = true
		default:
			return current, utils.NewValidationError("role", "unknown earning role %q", role)
		}
	}

	switch {
	case guestDone && refDone:
		return ClaimStatusPaidOut, nil
	case guestDone:
		return ClaimStatusGuestPaid, nil
	case refDone && hasReferrer:
		return ClaimStatusRefPaid, nil
	default:
		return current, nil
	}
}

func (r EarningRole) String() string { return string(r) }

func ParseEarningRole(s string) (EarningRole, error) {
	switch EarningRole(strings.ToLower(strings.TrimSpace(s))) {
	case EarningRoleGuest, "submitter":
		return EarningRoleGuest, nil
	case EarningRoleReferrer, "ref":
		return EarningRoleReferrer, nil
	}
	return "", utils.NewValidationError("role", "unknown earning role %q", s)
}

func (s ClaimStatus) String() string { return string(s) }
