package squaresync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/rails"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/mmdatafocus/kickback_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const syncLockTTL = 15 * time.Minute

var ErrSyncInProgress = utils.NewConflictError("sync_in_progress", "square sync already running for venue")

// Worker polls Square for a venue's payments and reconciles them like webhook deliveries.
type Worker struct {
	DB        *gorm.DB
	SourceFor workflow.PaymentSourceFactory
	Locker    *redislock.Client
	Now       func() time.Time
}

// NewWorker leaves Locker empty; until one is set the process-wide Redis lock client is used.
func NewWorker(db *gorm.DB) *Worker {
	return &Worker{
		DB:        db,
		SourceFor: workflow.SquarePaymentSource,
		Now:       time.Now,
	}
}

func (w *Worker) db() *gorm.DB {
	if w.DB != nil {
		return w.DB
	}
	return config.GetDB()
}

func (w *Worker) locker() *redislock.Client {
	if w.Locker != nil {
		return w.Locker
	}
	return config.GetRedisLock()
}

// SyncWindow starts a little before the previous sync so late-settling payments are seen twice
// rather than never. A venue that never synced looks back the default number of hours.
func SyncWindow(conn models.SquareConnection, now time.Time, s config.SettlementSettings) rails.TimeRange {
	end := now.UTC()
	begin := end.Add(-s.SyncDefaultLookback)
	if conn.LastSyncAt != nil && !conn.LastSyncAt.IsZero() {
		begin = conn.LastSyncAt.UTC().Add(-s.SyncOverlap)
	}
	if begin.After(end) {
		begin = end.Add(-s.SyncOverlap)
	}
	return rails.TimeRange{Begin: begin, End: end}
}

func summarizeStatus(stats SyncStats) string {
	switch {
	case stats.Errors == 0:
		return models.SyncRunStatusSuccess
	case stats.Processed() == 0:
		return models.SyncRunStatusFailed
	default:
		return models.SyncRunStatusPartial
	}
}

func isTerminal(status string) bool {
	return status == models.SyncRunStatusSuccess || status == models.SyncRunStatusFailed || status == models.SyncRunStatusPartial
}

// Enqueue creates a queued run for a connected venue. A nil window lets Process derive it from
// the connection when the run starts.
func (w *Worker) Enqueue(ctx context.Context, venueId int, triggeredBy string, window *rails.TimeRange) (*models.SquareSyncRun, error) {
	conn, err := models.GetSquareConnection(ctx, w.db(), venueId)
	if err != nil {
		return nil, err
	}
	if conn == nil || !conn.IsConnected() {
		return nil, utils.NewConflictError("not_connected", "venue %d has no connected Square account", venueId)
	}
	run := models.SquareSyncRun{
		VenueId:      venueId,
		ConnectionId: conn.ID,
		Status:       models.SyncRunStatusQueued,
		TriggeredBy:  triggeredBy,
	}
	if window != nil {
		if !window.End.After(window.Begin) {
			return nil, utils.NewValidationError("end", "must be after begin")
		}
		run.BeginTime = window.Begin.UTC()
		run.EndTime = window.End.UTC()
	}
	if err := w.db().WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// Retry queues a new run over the same window as a finished one.
func (w *Worker) Retry(ctx context.Context, runId uint) (*models.SquareSyncRun, error) {
	var prev models.SquareSyncRun
	if err := w.db().WithContext(ctx).Where("id = ?", runId).Take(&prev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("sync_run", runId)
		}
		return nil, err
	}
	var window *rails.TimeRange
	if !prev.BeginTime.IsZero() && prev.EndTime.After(prev.BeginTime) {
		window = &rails.TimeRange{Begin: prev.BeginTime, End: prev.EndTime}
	}
	run, err := w.Enqueue(ctx, prev.VenueId, models.SyncTriggeredRetry, window)
	if err != nil {
		return nil, err
	}
	if err := w.db().WithContext(ctx).Model(run).Update("parent_run_id", prev.ID).Error; err != nil {
		return nil, err
	}
	run.ParentRunId = &prev.ID
	return run, nil
}

// SyncVenue queues and runs a sync in the calling goroutine.
func (w *Worker) SyncVenue(ctx context.Context, venueId int, triggeredBy string) (*models.SquareSyncRun, error) {
	run, err := w.Enqueue(ctx, venueId, triggeredBy, nil)
	if err != nil {
		return nil, err
	}
	return w.Process(ctx, run.ID)
}

// Process executes a queued run. Runs that already finished are returned untouched. When another
// worker holds the venue's lock the run stays queued and ErrSyncInProgress is returned.
func (w *Worker) Process(ctx context.Context, runId uint) (*models.SquareSyncRun, error) {
	db := w.db().WithContext(ctx)
	logger := config.GetLogger()

	var run models.SquareSyncRun
	if err := db.Where("id = ?", runId).Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("sync_run", runId)
		}
		return nil, err
	}
	if isTerminal(run.Status) {
		return &run, nil
	}

	locker := w.locker()
	if locker == nil {
		logger.WithFields(logrus.Fields{"field": "squareSync", "venue_id": run.VenueId}).
			Warn("redis lock not ready; syncing without venue lock")
	} else {
		lock, err := locker.Obtain(ctx, fmt.Sprintf("lock:square-sync:%d", run.VenueId), syncLockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return &run, ErrSyncInProgress
		}
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "squareSync", "venue_id": run.VenueId}).
				Warn("error obtaining redis lock; syncing without venue lock: " + err.Error())
		} else {
			defer func() { _ = lock.Release(context.Background()) }()
		}
	}

	now := w.Now()
	startedAt := now.UTC()
	stats := SyncStats{}

	conn, err := models.GetSquareConnection(ctx, w.db(), run.VenueId)
	if err != nil {
		return &run, err
	}
	if conn == nil || !conn.IsConnected() {
		w.recordError(ctx, run, "", "not_connected", "venue has no connected Square account", false)
		stats.Errors++
		return w.finish(ctx, &run, nil, stats, startedAt, false)
	}

	window := rails.TimeRange{Begin: run.BeginTime, End: run.EndTime}
	if window.Begin.IsZero() || !window.End.After(window.Begin) {
		window = SyncWindow(*conn, now, config.Settings())
	}
	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
		"begin_time": window.Begin,
		"end_time":   window.End,
	}).Error; err != nil {
		return &run, err
	}
	run.BeginTime, run.EndTime = window.Begin, window.End

	sourceFor := w.SourceFor
	if sourceFor == nil {
		sourceFor = workflow.SquarePaymentSource
	}
	src, err := sourceFor(*conn)
	if err != nil {
		w.recordError(ctx, run, "", "source_unavailable", err.Error(), true)
		stats.Errors++
		return w.finish(ctx, &run, conn, stats, startedAt, false)
	}

	complete := false
	cursor := ""
	for {
		page, next, err := src.ListPayments(ctx, window, cursor)
		if err != nil {
			w.recordError(ctx, run, "", "list_failed", err.Error(), true)
			stats.Errors++
			break
		}
		stats.Pages++
		report, err := workflow.ReconcilePaymentBatch(ctx, w.db(), *conn, page, models.ClaimSourceSync)
		if err != nil {
			w.recordError(ctx, run, "", "reconcile_failed", err.Error(), true)
			stats.PaymentsSeen += len(page)
			stats.Failed += len(page)
			stats.Errors++
			break
		}
		stats.add(report)
		for _, f := range report.Failed {
			w.recordError(ctx, run, f.PaymentId, "payment_failed", f.Reason, true)
		}
		if next == "" || next == cursor {
			complete = true
			break
		}
		if ctx.Err() != nil {
			w.recordError(ctx, run, "", "cancelled", ctx.Err().Error(), true)
			stats.Errors++
			break
		}
		cursor = next
	}
	return w.finish(ctx, &run, conn, stats, startedAt, complete)
}

// finish stores the outcome. last_sync_at only moves forward, and only once every page of the
// window was read.
func (w *Worker) finish(ctx context.Context, run *models.SquareSyncRun, conn *models.SquareConnection, stats SyncStats, startedAt time.Time, complete bool) (*models.SquareSyncRun, error) {
	db := w.db().WithContext(ctx)
	finishedAt := w.Now().UTC()
	status := summarizeStatus(stats)
	statsJSON, _ := json.Marshal(stats)

	if err := db.Model(run).Updates(map[string]interface{}{
		"status":        status,
		"finished_at":   finishedAt,
		"duration_ms":   finishedAt.Sub(startedAt).Milliseconds(),
		"payments_seen": stats.PaymentsSeen,
		"error_count":   stats.Errors,
		"stats_json":    statsJSON,
	}).Error; err != nil {
		return run, err
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	run.PaymentsSeen = stats.PaymentsSeen
	run.ErrorCount = stats.Errors
	run.StatsJSON = statsJSON

	if conn != nil {
		updates := map[string]interface{}{}
		if complete && (conn.LastSyncAt == nil || run.EndTime.After(*conn.LastSyncAt)) {
			updates["last_sync_at"] = run.EndTime
		}
		if status == models.SyncRunStatusSuccess {
			updates["last_success_sync_at"] = finishedAt
		}
		if len(updates) > 0 {
			if err := db.Model(&models.SquareConnection{}).Where("id = ?", conn.ID).Updates(updates).Error; err != nil {
				return run, err
			}
		}
	}

	config.LogInfo(config.GetLogger(), "worker.go", "Process", "square sync finished", map[string]interface{}{
		"run_id":   run.ID,
		"venue_id": run.VenueId,
		"status":   status,
		"stats":    stats,
	})
	return run, nil
}

func (w *Worker) recordError(ctx context.Context, run models.SquareSyncRun, paymentId, code, message string, retryable bool) {
	row := models.SquareSyncError{
		SyncRunId: run.ID,
		VenueId:   run.VenueId,
		PaymentId: paymentId,
		ErrorCode: code,
		Message:   message,
		Retryable: retryable,
	}
	if err := w.db().WithContext(ctx).Create(&row).Error; err != nil {
		config.LogError(config.GetLogger(), "worker.go", "recordError", code, run.ID, err)
	}
}
