package middlewares

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"gorm.io/gorm"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders batch the per-row lookups ops listings make.
type Loaders struct {
	VenueLoader   *dataloader.Loader[int, *models.Venue]
	ProfileLoader *dataloader.Loader[string, *models.PayoutProfile]
}

func NewLoaders(conn *gorm.DB) *Loaders {
	venueReader := &venueReader{db: conn}
	profileReader := &payoutProfileReader{db: conn}

	return &Loaders{
		VenueLoader:   dataloader.NewBatchedLoader(venueReader.getVenues, dataloader.WithWait[int, *models.Venue](time.Millisecond)),
		ProfileLoader: dataloader.NewBatchedLoader(profileReader.getProfiles, dataloader.WithWait[string, *models.PayoutProfile](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(config.GetDB())
		ctx := context.WithValue(c.Request.Context(), loadersKey, loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// For returns the request's loaders, or a fresh set bound to the global DB outside a request.
func For(ctx context.Context) *Loaders {
	if l, ok := ctx.Value(loadersKey).(*Loaders); ok {
		return l
	}
	return NewLoaders(config.GetDB())
}

// WithLoaders attaches loaders to a context that did not come through LoaderMiddleware.
func WithLoaders(ctx context.Context, l *Loaders) context.Context {
	return context.WithValue(ctx, loadersKey, l)
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// generateLoaderResults orders rows by the requested keys. Keys without a row load as nil.
func generateLoaderResults[K comparable, T any](results []T, keys []K, keyOf func(T) K) []*dataloader.Result[*T] {
	resultMap := make(map[K]*T, len(results))
	for i := range results {
		resultMap[keyOf(results[i])] = &results[i]
	}
	loaderResults := make([]*dataloader.Result[*T], 0, len(keys))
	for _, k := range keys {
		loaderResults = append(loaderResults, &dataloader.Result[*T]{Data: resultMap[k]})
	}
	return loaderResults
}
