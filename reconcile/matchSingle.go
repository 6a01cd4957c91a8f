package reconcile

import (
	"time"

	"github.com/mmdatafocus/kickback_backend/models"
)

const DefaultLinkTolerance = 5 * time.Minute

const (
	ReasonNoMatch          = "no_match"
	ReasonDuplicate        = "duplicate"
	ReasonBoundToOtherUser = "bound_to_other_user"
	ReasonAlreadyLinked    = "already_linked"
)

// LinkedPayment records which claim already holds a payment id.
type LinkedPayment struct {
	ClaimId int
	UserId  string
}

type SingleOptions struct {
	Tolerance time.Duration
	// AllowedLocations limits payments to the venue's linked locations. Empty allows all.
	AllowedLocations []string
	// Linked maps payment ids to the claims already holding them.
	Linked map[string]LinkedPayment
}

type SingleResult struct {
	Linked          bool     `json:"linked"`
	Duplicate       bool     `json:"duplicate,omitempty"`
	BySameUser      bool     `json:"by_same_user,omitempty"`
	AlreadyLinked   bool     `json:"already_linked,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	ExistingClaimId int      `json:"existing_claim_id,omitempty"`
	Payment         *Payment `json:"payment,omitempty"`
}

// MatchSingle finds the payment for one claim: same last4 and cents, inside the tolerance,
// in an allowed location. The closest payment time wins, then the lowest id.
// A payment held by another claim is reported as a duplicate, never linked.
func MatchSingle(claim models.Claim, payments []Payment, opts SingleOptions) SingleResult {
	if claim.IsLinked() {
		return SingleResult{AlreadyLinked: true, Reason: ReasonAlreadyLinked}
	}
	tolerance := opts.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultLinkTolerance
	}
	allowed := make(map[string]bool, len(opts.AllowedLocations))
	for _, id := range opts.AllowedLocations {
		allowed[id] = true
	}

	var best *Payment
	var bestDiff time.Duration
	for i := range payments {
		p := payments[i]
		if !p.Matchable() || !claimFits(claim, p, tolerance) {
			continue
		}
		if len(allowed) > 0 && p.LocationId != "" && !allowed[p.LocationId] {
			continue
		}
		diff := absDuration(p.Time.Sub(claim.PurchasedAt))
		if best == nil || diff < bestDiff || (diff == bestDiff && p.ID < best.ID) {
			best = &p
			bestDiff = diff
		}
	}
	if best == nil {
		return SingleResult{Reason: ReasonNoMatch}
	}

	if held, ok := opts.Linked[best.ID]; ok {
		if held.ClaimId == claim.ID {
			return SingleResult{AlreadyLinked: true, Reason: ReasonAlreadyLinked, Payment: best}
		}
		return SingleResult{
			Duplicate:       true,
			BySameUser:      held.UserId == claim.SubmitterId,
			Reason:          ReasonDuplicate,
			ExistingClaimId: held.ClaimId,
			Payment:         best,
		}
	}
	return SingleResult{Linked: true, Payment: best}
}
