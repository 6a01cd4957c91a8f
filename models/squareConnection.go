package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const (
	SquareConnectionConnected    = "connected"
	SquareConnectionDisconnected = "disconnected"
	SquareConnectionError        = "error"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual  = "manual"
	SyncTriggeredCron    = "cron"
	SyncTriggeredWebhook = "webhook"
	SyncTriggeredRetry   = "retry"
)

// SquareConnection is a venue's OAuth link to a Square merchant.
type SquareConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	VenueId           int        `gorm:"not null;uniqueIndex" json:"venue_id"`
	MerchantId        string     `gorm:"size:64;not null;index" json:"merchant_id"`
	Status            string     `gorm:"size:20;not null;default:connected" json:"status"`
	AccessToken       string     `gorm:"type:text;not null" json:"-"`
	RefreshToken      *string    `gorm:"type:text" json:"-"`
	TokenExpiresAt    *time.Time `json:"token_expires_at"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c SquareConnection) IsConnected() bool {
	return c.Status == SquareConnectionConnected && c.AccessToken != ""
}

// GetSquareConnection returns nil, nil for a venue that never connected Square.
func GetSquareConnection(ctx context.Context, db *gorm.DB, venueId int) (*SquareConnection, error) {
	var c SquareConnection
	err := db.WithContext(ctx).Where("venue_id = ?", venueId).Take(&c).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func SquareConnectionsByMerchant(ctx context.Context, db *gorm.DB, merchantId string) ([]SquareConnection, error) {
	var rows []SquareConnection
	err := db.WithContext(ctx).
		Where("merchant_id = ? AND status = ?", merchantId, SquareConnectionConnected).
		Order("venue_id ASC").
		Find(&rows).Error
	return rows, err
}

// ConnectedSquareConnections lists every venue connection a scheduled sync should visit.
func ConnectedSquareConnections(ctx context.Context, db *gorm.DB) ([]SquareConnection, error) {
	var rows []SquareConnection
	err := db.WithContext(ctx).
		Where("status = ? AND access_token <> ''", SquareConnectionConnected).
		Order("venue_id ASC").
		Find(&rows).Error
	return rows, err
}

// SquareSyncRun records one polling pass over a venue's Square payments.
type SquareSyncRun struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	VenueId      int        `gorm:"index;not null" json:"venue_id"`
	ConnectionId uint       `gorm:"index;not null" json:"connection_id"`
	Status       string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy  string     `gorm:"size:20" json:"triggered_by"`
	BeginTime    time.Time  `json:"begin_time"`
	EndTime      time.Time  `json:"end_time"`
	StatsJSON    []byte     `gorm:"type:json" json:"stats"`
	PaymentsSeen int        `json:"payments_seen"`
	ErrorCount   int        `json:"error_count"`
	StartedAt    *time.Time `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	DurationMs   int64      `json:"duration_ms"`
	ParentRunId  *uint      `gorm:"index" json:"parent_run_id,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type SquareSyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	VenueId     int       `gorm:"index;not null" json:"venue_id"`
	PaymentId   string    `gorm:"size:128" json:"payment_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
