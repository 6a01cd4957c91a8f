package workflow

import (
	"testing"
	"time"

	"github.com/mmdatafocus/kickback_backend/models"
)

func TestValidatePurchaseTime(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		at      time.Time
		wantErr bool
	}{
		{"zero", time.Time{}, true},
		{"future beyond skew", now.Add(2 * time.Minute), true},
		{"future within skew", now.Add(30 * time.Second), false},
		{"now", now, false},
		{"23h ago", now.Add(-23 * time.Hour), false},
		{"25h ago", now.Add(-25 * time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePurchaseTime(tt.at, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("wantErr=%v got %v", tt.wantErr, err)
			}
		})
	}
}

func TestExpandStatusChanges_DedupesKeepingOrder(t *testing.T) {
	got := ExpandStatusChanges([]int{3, 1, 3, 2, 1}, "approved", "checked receipt")
	want := []int{3, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("expected %d changes, got %d", len(want), len(got))
	}
	for i, ch := range got {
		if ch.ClaimId != want[i] || ch.Status != "approved" || ch.Reason != "checked receipt" {
			t.Fatalf("change %d: %+v", i, ch)
		}
	}
}

func TestContributionsByUser(t *testing.T) {
	entries := []models.LedgerEntry{
		{UserId: "u1", ClaimId: 2, Role: models.EarningRoleGuest, Amount: dec("5.00")},
		{UserId: "u1", ClaimId: 1, Role: models.EarningRoleReferrer, Amount: dec("3.00")},
		{UserId: "u1", ClaimId: 2, Role: models.EarningRoleReferrer, Amount: dec("1.50")},
		{UserId: "u2", ClaimId: 1, Role: models.EarningRoleGuest, Amount: dec("4.00")},
	}
	got := ContributionsByUser(entries)

	u1 := got["u1"]
	if len(u1) != 2 {
		t.Fatalf("u1: expected 2 contributions, got %d", len(u1))
	}
	if u1[0].ClaimId != 1 || !u1[0].Amount.Equal(dec("3.00")) {
		t.Fatalf("u1[0]: %+v", u1[0])
	}
	if u1[1].ClaimId != 2 || !u1[1].Amount.Equal(dec("6.50")) {
		t.Fatalf("u1[1]: both roles on claim 2 should combine, got %+v", u1[1])
	}
	if u2 := got["u2"]; len(u2) != 1 || !u2[0].Amount.Equal(dec("4.00")) {
		t.Fatalf("u2: %+v", u2)
	}
}

func TestOutboxDispatcherBackoff(t *testing.T) {
	d := &OutboxDispatcher{InitialBackoff: 5 * time.Second, MaxBackoff: time.Minute}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute},
		{12, time.Minute},
	}
	for _, tt := range tests {
		if got := d.backoff(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: got %s want %s", tt.attempt, got, tt.want)
		}
	}
}
