package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// PayoutProfile holds where a user's money goes.
type PayoutProfile struct {
	UserId          string    `gorm:"primaryKey;size:64" json:"user_id"`
	ReferralCode    *string   `gorm:"size:16;uniqueIndex" json:"referral_code"`
	StripeAccountId *string   `gorm:"size:64;uniqueIndex" json:"stripe_account_id"`
	PayIdType       *string   `gorm:"size:10" json:"payid_type"`
	PayIdValue      *string   `gorm:"size:255" json:"payid_value"`
	Email           *string   `gorm:"size:255" json:"email"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p PayoutProfile) HasStripeAccount() bool {
	return p.StripeAccountId != nil && *p.StripeAccountId != ""
}

// FindProfileByReferralCode returns nil, nil for an unknown code.
func FindProfileByReferralCode(ctx context.Context, db *gorm.DB, code string) (*PayoutProfile, error) {
	var p PayoutProfile
	err := db.WithContext(ctx).Where("referral_code = ?", code).Take(&p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func FindProfileByStripeAccount(ctx context.Context, db *gorm.DB, accountId string) (*PayoutProfile, error) {
	var p PayoutProfile
	err := db.WithContext(ctx).Where("stripe_account_id = ?", accountId).Take(&p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func ProfilesByUser(ctx context.Context, db *gorm.DB, userIds []string) (map[string]PayoutProfile, error) {
	out := map[string]PayoutProfile{}
	if len(userIds) == 0 {
		return out, nil
	}
	var rows []PayoutProfile
	if err := db.WithContext(ctx).Where("user_id IN ?", userIds).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, p := range rows {
		out[p.UserId] = p
	}
	return out, nil
}
