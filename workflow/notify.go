package workflow

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/utils"
	"gorm.io/gorm"
)

type Notification struct {
	Kind    string
	UserId  string
	ClaimId int
	VenueId int
	BatchId string
	Payload map[string]any
}

// Notify queues a notification in the same transaction as the state change it describes.
// A failed write is logged and swallowed: notifications never block settlement.
func Notify(ctx context.Context, tx *gorm.DB, n Notification) {
	if n.UserId == "" || n.Kind == "" {
		return
	}
	var payload []byte
	if len(n.Payload) > 0 {
		payload, _ = json.Marshal(n.Payload)
	}
	correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || correlationId == "" {
		correlationId = uuid.NewString()
	}
	row := models.NotificationOutbox{
		Kind:          n.Kind,
		UserId:        n.UserId,
		ClaimId:       n.ClaimId,
		VenueId:       n.VenueId,
		BatchId:       n.BatchId,
		Payload:       payload,
		PublishStatus: models.OutboxPublishStatusPending,
		CorrelationId: correlationId,
	}
	// Savepoint so a failed insert does not poison the caller's transaction.
	err := tx.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
		return sp.Create(&row).Error
	})
	if err != nil {
		config.LogError(config.GetLogger(), "notify.go", "Notify", "queue notification", n, err)
	}
}
