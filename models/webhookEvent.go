package models

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	WebhookProviderStripe      = "stripe"
	WebhookProviderSquare      = "square"
	WebhookProviderZepto       = "zepto"
	WebhookProviderHelloClever = "helloclever"
)

// WebhookEvent is the raw provider event log. Unique (provider, event_id); redelivery refreshes the row.
type WebhookEvent struct {
	ID           int        `gorm:"primary_key" json:"id"`
	Provider     string     `gorm:"size:20;not null;index:uniq_webhook_event,unique,priority:1" json:"provider"`
	EventId      string     `gorm:"size:255;not null;index:uniq_webhook_event,unique,priority:2" json:"event_id"`
	EventType    string     `gorm:"size:100;index" json:"event_type"`
	ResourceType *string    `gorm:"size:64" json:"resource_type"`
	ResourceUid  *string    `gorm:"size:128;index" json:"resource_uid"`
	PublishedAt  *time.Time `json:"published_at"`
	Payload      []byte     `gorm:"type:json" json:"-"`
	ReceivedAt   time.Time  `gorm:"autoCreateTime" json:"received_at"`
}

func RecordWebhookEvent(ctx context.Context, db *gorm.DB, ev *WebhookEvent) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"event_type", "resource_type", "resource_uid", "published_at", "payload"}),
	}).Create(ev).Error
}
