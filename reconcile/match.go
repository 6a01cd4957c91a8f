package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/utils"
)

type Pair struct {
	ClaimId int     `json:"claim_id"`
	Payment Payment `json:"payment"`
}

type Result struct {
	Matches           []Pair `json:"matches"`
	UnmatchedClaimIds []int  `json:"unmatched_claim_ids"`
	SkippedPayments   int    `json:"skipped_payments"`
}

// Match pairs payments with claims. Payments are taken in time order (then id); each one
// consumes the earliest-created claim (then lowest id) with the same last4, the same amount to
// the cent and a purchase time within window of the payment. Claims that already carry a
// payment id never match. The result does not depend on input order.
func Match(claims []models.Claim, payments []Payment, window time.Duration) Result {
	ordered := make([]models.Claim, 0, len(claims))
	for _, c := range claims {
		if c.IsLinked() {
			continue
		}
		ordered = append(ordered, c)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var res Result
	queue := orderPayments(payments, &res.SkippedPayments)

	consumed := make(map[int]bool, len(ordered))
	for _, p := range queue {
		for _, c := range ordered {
			if consumed[c.ID] || !claimFits(c, p, window) {
				continue
			}
			consumed[c.ID] = true
			res.Matches = append(res.Matches, Pair{ClaimId: c.ID, Payment: p})
			break
		}
	}
	for _, c := range ordered {
		if !consumed[c.ID] {
			res.UnmatchedClaimIds = append(res.UnmatchedClaimIds, c.ID)
		}
	}
	return res
}

// orderPayments drops unusable payments and repeated ids, then sorts by time and id.
func orderPayments(payments []Payment, skipped *int) []Payment {
	valid := make([]Payment, 0, len(payments))
	for _, p := range payments {
		if !p.Matchable() {
			*skipped++
			continue
		}
		valid = append(valid, p)
	}
	sort.SliceStable(valid, func(i, j int) bool {
		if !valid[i].Time.Equal(valid[j].Time) {
			return valid[i].Time.Before(valid[j].Time)
		}
		return valid[i].ID < valid[j].ID
	})
	seen := make(map[string]bool, len(valid))
	out := valid[:0]
	for _, p := range valid {
		if seen[p.ID] {
			*skipped++
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	return out
}

func claimFits(c models.Claim, p Payment, window time.Duration) bool {
	if strings.TrimSpace(c.Last4) != strings.TrimSpace(p.Last4) {
		return false
	}
	if utils.ToCents(c.Amount) != p.AmountCents {
		return false
	}
	return absDuration(c.PurchasedAt.Sub(p.Time)) <= window
}
