package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// OutboxStatus is the ops view of the notification queue.
type OutboxStatus struct {
	Counts          map[string]int64 `json:"counts"`
	OldestPendingAt *time.Time       `json:"oldest_pending_at"`
	LastFailures    []OutboxFailure  `json:"last_failures"`
}

type OutboxFailure struct {
	RecordId         int        `json:"record_id"`
	Kind             string     `json:"kind"`
	UserId           string     `json:"user_id"`
	PublishStatus    string     `json:"publish_status"`
	PublishAttempts  int        `json:"publish_attempts"`
	NextAttemptAt    *time.Time `json:"next_attempt_at"`
	LastPublishError *string    `json:"last_publish_error"`
	CreatedAt        time.Time  `json:"created_at"`
}

// GetOutboxStatus counts rows per publish status and lists the most recent FAILED/DEAD rows.
func GetOutboxStatus(ctx context.Context, db *gorm.DB, failureLimit int) (*OutboxStatus, error) {
	db = db.WithContext(ctx)
	var counts []struct {
		PublishStatus string
		Total         int64
	}
	if err := db.Model(&NotificationOutbox{}).
		Select("publish_status, COUNT(*) AS total").
		Group("publish_status").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	status := &OutboxStatus{Counts: map[string]int64{
		OutboxPublishStatusPending:    0,
		OutboxPublishStatusProcessing: 0,
		OutboxPublishStatusSent:       0,
		OutboxPublishStatusFailed:     0,
		OutboxPublishStatusDead:       0,
	}}
	for _, c := range counts {
		status.Counts[c.PublishStatus] = c.Total
	}

	var oldest NotificationOutbox
	err := db.Where("publish_status = ?", OutboxPublishStatusPending).Order("created_at asc").Take(&oldest).Error
	if err == nil {
		status.OldestPendingAt = &oldest.CreatedAt
	} else if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	if failureLimit <= 0 {
		failureLimit = 20
	}
	var rows []NotificationOutbox
	if err := db.Where("publish_status IN ?", []string{OutboxPublishStatusFailed, OutboxPublishStatusDead}).
		Order("id desc").Limit(failureLimit).Find(&rows).Error; err != nil {
		return nil, err
	}
	status.LastFailures = make([]OutboxFailure, 0, len(rows))
	for _, r := range rows {
		status.LastFailures = append(status.LastFailures, OutboxFailure{
			RecordId:         r.ID,
			Kind:             r.Kind,
			UserId:           r.UserId,
			PublishStatus:    r.PublishStatus,
			PublishAttempts:  r.PublishAttempts,
			NextAttemptAt:    r.NextAttemptAt,
			LastPublishError: r.LastPublishError,
			CreatedAt:        r.CreatedAt,
		})
	}
	return status, nil
}
