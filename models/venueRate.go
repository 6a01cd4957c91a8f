package models

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/shopspring/decimal"
)

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

var weekdayByPrefix = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

type HappyHourConfig struct {
	Days  []time.Weekday
	Start string
	End   string
	Rate  decimal.Decimal
}

// RateConfig is everything EffectiveRate needs; it holds no storage handles.
type RateConfig struct {
	GuestRate    decimal.Decimal
	ReferrerRate decimal.Decimal
	HappyHour    HappyHourConfig
	Mode         string
	Location     *time.Location
}

type Rates struct {
	GuestRate    decimal.Decimal `json:"guest_rate"`
	ReferrerRate decimal.Decimal `json:"referrer_rate"`
	HappyHour    bool            `json:"happy_hour"`
}

// EffectiveRate resolves the guest and referrer percentages for a purchase at t.
func EffectiveRate(cfg RateConfig, t time.Time) Rates {
	rates := Rates{GuestRate: cfg.GuestRate, ReferrerRate: cfg.ReferrerRate}
	if !IsHappyHour(cfg.HappyHour, cfg.Location, t) {
		return rates
	}
	rates.HappyHour = true
	if cfg.Mode == config.HappyHourModeAdd {
		rates.GuestRate = rates.GuestRate.Add(cfg.HappyHour.Rate)
		rates.ReferrerRate = rates.ReferrerRate.Add(cfg.HappyHour.Rate)
		return rates
	}
	rates.GuestRate = cfg.HappyHour.Rate
	rates.ReferrerRate = cfg.HappyHour.Rate
	return rates
}

// IsHappyHour checks start <= local time < end on one of the configured local weekdays.
// A window with start > end wraps past midnight; the weekday checked is the local day of t.
// Unparseable times, start == end or no days mean happy hour never applies.
func IsHappyHour(h HappyHourConfig, loc *time.Location, t time.Time) bool {
	start, okStart := parseClock(h.Start)
	end, okEnd := parseClock(h.End)
	if !okStart || !okEnd || start == end || len(h.Days) == 0 {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if !containsWeekday(h.Days, local.Weekday()) {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	if start < end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

func parseClock(v string) (int, bool) {
	m := clockPattern.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return 0, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	return hour*60 + minute, true
}

// ParseWeekdays accepts "Mon,tue,FRIDAY" style lists; unknown entries are dropped.
func ParseWeekdays(csv string) []time.Weekday {
	var out []time.Weekday
	seen := map[time.Weekday]bool{}
	for _, part := range strings.Split(csv, ",") {
		p := strings.ToLower(strings.TrimSpace(part))
		if len(p) < 3 {
			continue
		}
		d, ok := weekdayByPrefix[p[:3]]
		if !ok || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

func containsWeekday(days []time.Weekday, d time.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}
