package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Venue struct {
	ID           int              `gorm:"primary_key" json:"id"`
	Name         string           `gorm:"size:255;not null" json:"name"`
	Currency     string           `gorm:"size:3;not null;default:aud" json:"currency"`
	GuestRate    *decimal.Decimal `gorm:"type:decimal(6,2)" json:"guest_rate"`
	ReferrerRate *decimal.Decimal `gorm:"type:decimal(6,2)" json:"referrer_rate"`
	// Happy hour is evaluated in the platform timezone; days are "Mon,Tue,...".
	HappyHourDays  string           `gorm:"size:64" json:"happy_hour_days"`
	HappyHourStart string           `gorm:"size:5" json:"happy_hour_start"`
	HappyHourEnd   string           `gorm:"size:5" json:"happy_hour_end"`
	HappyHourRate  *decimal.Decimal `gorm:"type:decimal(6,2)" json:"happy_hour_rate"`
	// AutoApprove marks trusted venues whose card-matched auto-claims skip manual review.
	AutoApprove      bool            `gorm:"not null;default:false" json:"auto_approve"`
	StripeCustomerId *string         `gorm:"size:64" json:"stripe_customer_id"`
	LogoUrl          *string         `gorm:"type:text" json:"logo_url"`
	Billing          VenueBilling    `gorm:"embedded;embeddedPrefix:billing_" json:"billing"`
	Locations        []VenueLocation `gorm:"foreignKey:VenueId" json:"locations"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// VenueBilling is the invoice contact sent with gateway payments.
type VenueBilling struct {
	Email            string `gorm:"size:255" json:"email"`
	ContactFirstName string `gorm:"size:100" json:"contact_first_name"`
	ContactLastName  string `gorm:"size:100" json:"contact_last_name"`
	Phone            string `gorm:"size:40" json:"phone"`
	Company          string `gorm:"size:255" json:"company"`
	CountryCode      string `gorm:"size:4" json:"country_code"`
	State            string `gorm:"size:40" json:"state"`
	PostalCode       string `gorm:"size:16" json:"postal_code"`
	City             string `gorm:"size:100" json:"city"`
	Address          string `gorm:"size:255" json:"address"`
}

// MissingFields lists the billing fields a gateway invoice cannot go without.
func (b VenueBilling) MissingFields() []string {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"billing_contact_first_name", b.ContactFirstName},
		{"billing_contact_last_name", b.ContactLastName},
		{"billing_phone", b.Phone},
		{"billing_email", b.Email},
		{"billing_country_code", b.CountryCode},
		{"billing_postal_code", b.PostalCode},
		{"billing_city", b.City},
		{"billing_address", b.Address},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// VenueLocation links a venue to a provider location (a Square location id).
type VenueLocation struct {
	ID         int       `gorm:"primary_key" json:"id"`
	VenueId    int       `gorm:"not null;index:uniq_venue_location,unique" json:"venue_id"`
	Provider   string    `gorm:"size:20;not null;default:square" json:"provider"`
	LocationId string    `gorm:"size:64;not null;index:uniq_venue_location,unique;index" json:"location_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func venueCacheKey(id int) string {
	return fmt.Sprintf("Venue:%d", id)
}

// GetVenue reads through the Redis cache. Rates change rarely and are frozen onto claims anyway.
func GetVenue(ctx context.Context, db *gorm.DB, id int) (*Venue, error) {
	var cached Venue
	if ok, err := config.GetRedisObject(ctx, venueCacheKey(id), &cached); err == nil && ok {
		return &cached, nil
	}
	var v Venue
	err := db.WithContext(ctx).Preload("Locations").Where("id = ?", id).Take(&v).Error
	if err == gorm.ErrRecordNotFound {
		return nil, utils.NewNotFoundError("venue", id)
	}
	if err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(ctx, venueCacheKey(id), &v, time.Hour); err != nil {
		config.LogError(config.GetLogger(), "venue.go", "GetVenue", "cache venue", id, err)
	}
	return &v, nil
}

func InvalidateVenueCache(ctx context.Context, id int) error {
	return config.RemoveRedisKey(ctx, venueCacheKey(id))
}

// LocationIds returns the linked provider location ids; empty means "not location-scoped".
func (v Venue) LocationIds() []string {
	out := make([]string, 0, len(v.Locations))
	for _, l := range v.Locations {
		if id := strings.TrimSpace(l.LocationId); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func (v Venue) RateConfig(s config.SettlementSettings) RateConfig {
	cfg := RateConfig{
		GuestRate:    s.DefaultGuestRate,
		ReferrerRate: s.DefaultReferrerRate,
		Mode:         s.HappyHourMode,
		Location:     s.RateLocation,
		HappyHour: HappyHourConfig{
			Days:  ParseWeekdays(v.HappyHourDays),
			Start: v.HappyHourStart,
			End:   v.HappyHourEnd,
			Rate:  s.HappyHourRate,
		},
	}
	if v.GuestRate != nil {
		cfg.GuestRate = *v.GuestRate
	}
	if v.ReferrerRate != nil {
		cfg.ReferrerRate = *v.ReferrerRate
	}
	if v.HappyHourRate != nil {
		cfg.HappyHour.Rate = *v.HappyHourRate
	}
	return cfg
}

func (v Venue) CurrencyCode() string {
	return utils.NormalizeCurrency(v.Currency)
}
