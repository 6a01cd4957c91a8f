package models_test

import (
	"testing"
	"time"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/shopspring/decimal"
)

func sydney(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Australia/Sydney")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func TestIsHappyHour(t *testing.T) {
	loc := sydney(t)
	friday := models.HappyHourConfig{Days: []time.Weekday{time.Friday}, Start: "17:00", End: "19:00"}
	overnight := models.HappyHourConfig{Days: []time.Weekday{time.Friday}, Start: "22:00", End: "02:00"}

	// 2025-03-07 is a Friday.
	cases := []struct {
		name string
		h    models.HappyHourConfig
		at   time.Time
		want bool
	}{
		{"window start is inclusive", friday, time.Date(2025, 3, 7, 17, 0, 0, 0, loc), true},
		{"inside window", friday, time.Date(2025, 3, 7, 18, 59, 0, 0, loc), true},
		{"window end is exclusive", friday, time.Date(2025, 3, 7, 19, 0, 0, 0, loc), false},
		{"wrong day", friday, time.Date(2025, 3, 6, 17, 30, 0, 0, loc), false},
		{"utc input converted to local", friday, time.Date(2025, 3, 7, 6, 30, 0, 0, time.UTC), true},
		{"overnight before midnight", overnight, time.Date(2025, 3, 7, 23, 0, 0, 0, loc), true},
		{"overnight early morning same day", overnight, time.Date(2025, 3, 7, 1, 0, 0, 0, loc), true},
		{"overnight next day not configured", overnight, time.Date(2025, 3, 8, 1, 0, 0, 0, loc), false},
		{"overnight midday", overnight, time.Date(2025, 3, 7, 12, 0, 0, 0, loc), false},
		{"start equals end", models.HappyHourConfig{Days: friday.Days, Start: "17:00", End: "17:00"}, time.Date(2025, 3, 7, 17, 0, 0, 0, loc), false},
		{"bad clock", models.HappyHourConfig{Days: friday.Days, Start: "24:00", End: "02:00"}, time.Date(2025, 3, 7, 23, 0, 0, 0, loc), false},
		{"no days", models.HappyHourConfig{Start: "17:00", End: "19:00"}, time.Date(2025, 3, 7, 18, 0, 0, 0, loc), false},
	}
	for _, tc := range cases {
		if got := models.IsHappyHour(tc.h, loc, tc.at); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEffectiveRate(t *testing.T) {
	loc := sydney(t)
	cfg := models.RateConfig{
		GuestRate:    decimal.NewFromInt(5),
		ReferrerRate: decimal.NewFromInt(3),
		Mode:         config.HappyHourModeOverride,
		Location:     loc,
		HappyHour: models.HappyHourConfig{
			Days:  []time.Weekday{time.Friday},
			Start: "17:00",
			End:   "19:00",
			Rate:  decimal.NewFromInt(10),
		},
	}
	inside := time.Date(2025, 3, 7, 18, 0, 0, 0, loc)
	outside := time.Date(2025, 3, 7, 20, 0, 0, 0, loc)

	r := models.EffectiveRate(cfg, outside)
	if !r.GuestRate.Equal(decimal.NewFromInt(5)) || !r.ReferrerRate.Equal(decimal.NewFromInt(3)) || r.HappyHour {
		t.Fatalf("outside happy hour: %+v", r)
	}

	r = models.EffectiveRate(cfg, inside)
	if !r.GuestRate.Equal(decimal.NewFromInt(10)) || !r.ReferrerRate.Equal(decimal.NewFromInt(10)) || !r.HappyHour {
		t.Fatalf("override mode: %+v", r)
	}

	cfg.Mode = config.HappyHourModeAdd
	r = models.EffectiveRate(cfg, inside)
	if !r.GuestRate.Equal(decimal.NewFromInt(15)) || !r.ReferrerRate.Equal(decimal.NewFromInt(13)) {
		t.Fatalf("add mode: %+v", r)
	}
}

func TestParseWeekdays(t *testing.T) {
	got := models.ParseWeekdays("Mon, tue,FRIDAY,xx,mon,")
	want := []time.Weekday{time.Monday, time.Tuesday, time.Friday}
	if len(got) != len(want) {
		t.Fatalf("ParseWeekdays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ParseWeekdays = %v, want %v", got, want)
		}
	}
}
