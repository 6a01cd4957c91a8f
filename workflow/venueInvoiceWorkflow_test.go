package workflow

import (
	"testing"
	"time"

	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestComputeVenueInvoice(t *testing.T) {
	claims := []models.Claim{
		{ID: 1, Amount: dec("100.00"), GuestRate: dec("5"), ReferrerRate: dec("3")},
		{ID: 2, Amount: dec("33.33"), GuestRate: dec("5"), ReferrerRate: dec("3")},
	}
	got := ComputeVenueInvoice(claims, dec("2"))

	if got.ClaimCount != 2 {
		t.Fatalf("claim count: got %d", got.ClaimCount)
	}
	checks := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"total", got.TotalClaimAmount, "133.33"},
		{"fee", got.PlatformFee, "2.67"},
		{"kickback", got.KickbackAmount, "10.66"},
		{"amount", got.Amount, "13.33"},
	}
	for _, c := range checks {
		if !c.got.Equal(dec(c.want)) {
			t.Fatalf("%s: got %s want %s", c.name, c.got, c.want)
		}
	}
}

func TestComputeVenueInvoice_Empty(t *testing.T) {
	got := ComputeVenueInvoice(nil, dec("2"))
	if got.ClaimCount != 0 || !got.Amount.IsZero() {
		t.Fatalf("expected empty totals, got %+v", got)
	}
}

func TestLastWeekRange(t *testing.T) {
	loc := time.FixedZone("AEDT", 11*3600)
	tests := []struct {
		name      string
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "midweek",
			now:       time.Date(2026, 3, 11, 10, 0, 0, 0, loc),
			wantStart: time.Date(2026, 3, 2, 0, 0, 0, 0, loc),
			wantEnd:   time.Date(2026, 3, 9, 0, 0, 0, 0, loc),
		},
		{
			name:      "monday morning",
			now:       time.Date(2026, 3, 9, 0, 30, 0, 0, loc),
			wantStart: time.Date(2026, 3, 2, 0, 0, 0, 0, loc),
			wantEnd:   time.Date(2026, 3, 9, 0, 0, 0, 0, loc),
		},
		{
			name:      "sunday night",
			now:       time.Date(2026, 3, 15, 23, 59, 0, 0, loc),
			wantStart: time.Date(2026, 3, 2, 0, 0, 0, 0, loc),
			wantEnd:   time.Date(2026, 3, 9, 0, 0, 0, 0, loc),
		},
		{
			name:      "utc sunday is local monday",
			now:       time.Date(2026, 3, 8, 14, 0, 0, 0, time.UTC),
			wantStart: time.Date(2026, 3, 2, 0, 0, 0, 0, loc),
			wantEnd:   time.Date(2026, 3, 9, 0, 0, 0, 0, loc),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := LastWeekRange(tt.now, loc)
			if !start.Equal(tt.wantStart) || !end.Equal(tt.wantEnd) {
				t.Fatalf("got [%s, %s) want [%s, %s)", start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestWeekLabel(t *testing.T) {
	loc := time.FixedZone("AEDT", 11*3600)
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, loc)
	end := time.Date(2026, 3, 9, 0, 0, 0, 0, loc)
	if got := WeekLabel(start, end, loc); got != "02 Mar 2026 - 08 Mar 2026" {
		t.Fatalf("unexpected label %q", got)
	}
}
