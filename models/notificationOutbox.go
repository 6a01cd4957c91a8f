package models

import (
	"time"

	"github.com/mmdatafocus/kickback_backend/config"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

const (
	NotificationClaimLinked      = "claim.linked"
	NotificationClaimAutoCreated = "claim.auto_created"
	NotificationClaimDenied      = "claim.denied"
	NotificationClaimPaid        = "claim.paid"
	NotificationBatchPaidOut     = "payout.paid_out"
)

// NotificationOutbox rows are written next to the state change and published after commit
// by the dispatcher. Delivery is best effort; settlement never reads them back.
type NotificationOutbox struct {
	ID      int    `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	Kind    string `gorm:"size:40;not null;index" json:"kind"`
	UserId  string `gorm:"size:64;not null;index" json:"user_id"`
	ClaimId int    `gorm:"index" json:"claim_id"`
	VenueId int    `json:"venue_id"`
	BatchId string `gorm:"size:64" json:"batch_id"`
	Payload []byte `gorm:"type:json" json:"payload"`
	// Publish state; the dispatcher owns these columns.
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (NotificationOutbox) TableName() string {
	return "notification_outbox"
}

func ConvertToNotificationMessage(record NotificationOutbox) config.NotificationMessage {
	return config.NotificationMessage{
		ID:            record.ID,
		Kind:          record.Kind,
		UserId:        record.UserId,
		ClaimId:       record.ClaimId,
		VenueId:       record.VenueId,
		BatchId:       record.BatchId,
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
		CreatedAt:     record.CreatedAt,
	}
}
