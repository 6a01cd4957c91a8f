package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/kickback_backend/models"
	"gorm.io/gorm"
)

type payoutProfileReader struct {
	db *gorm.DB
}

func (r *payoutProfileReader) getProfiles(ctx context.Context, userIds []string) []*dataloader.Result[*models.PayoutProfile] {
	var results []models.PayoutProfile
	err := r.db.WithContext(ctx).Where("user_id IN ?", userIds).Find(&results).Error
	if err != nil {
		return handleError[*models.PayoutProfile](len(userIds), err)
	}
	return generateLoaderResults(results, userIds, func(p models.PayoutProfile) string { return p.UserId })
}

// GetPayoutProfile returns nil for a user without a profile.
func GetPayoutProfile(ctx context.Context, userId string) (*models.PayoutProfile, error) {
	loaders := For(ctx)
	return loaders.ProfileLoader.Load(ctx, userId)()
}

func GetPayoutProfiles(ctx context.Context, userIds []string) ([]*models.PayoutProfile, []error) {
	loaders := For(ctx)
	return loaders.ProfileLoader.LoadMany(ctx, userIds)()
}
