package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/kickback_backend/models"
	"gorm.io/gorm"
)

type venueReader struct {
	db *gorm.DB
}

func (r *venueReader) getVenues(ctx context.Context, ids []int) []*dataloader.Result[*models.Venue] {
	var results []models.Venue
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.Venue](len(ids), err)
	}
	return generateLoaderResults(results, ids, func(v models.Venue) int { return v.ID })
}

func GetVenue(ctx context.Context, id int) (*models.Venue, error) {
	loaders := For(ctx)
	return loaders.VenueLoader.Load(ctx, id)()
}

func GetVenues(ctx context.Context, ids []int) ([]*models.Venue, []error) {
	loaders := For(ctx)
	return loaders.VenueLoader.LoadMany(ctx, ids)()
}
