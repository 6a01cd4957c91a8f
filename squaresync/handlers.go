package squaresync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/middlewares"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/rails"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func respondError(c *gin.Context, err error) {
	status := utils.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		config.GetLogger().WithFields(logrus.Fields{
			"field": "squareSync",
			"path":  c.Request.URL.Path,
		}).Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// TriggerSyncHandler queues a run and publishes it. With wait set, or when the publish fails,
// the run is processed inside the request.
func (w *Worker) TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			respondError(c, err)
			return
		}
		var window *rails.TimeRange
		if req.Begin != nil || req.End != nil {
			if req.Begin == nil || req.End == nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "begin and end must be given together"})
				return
			}
			window = &rails.TimeRange{Begin: *req.Begin, End: *req.End}
		}

		ctx := c.Request.Context()
		run, err := w.Enqueue(ctx, req.VenueId, models.SyncTriggeredManual, window)
		if err != nil {
			respondError(c, err)
			return
		}
		if !req.Wait {
			err := PublishSyncRun(ctx, run.ID, run.VenueId)
			if err == nil {
				c.JSON(http.StatusAccepted, mapRunToResponse(*run))
				return
			}
			config.LogError(config.GetLogger(), "handlers.go", "TriggerSyncHandler", "publish sync run", run.ID, err)
		}
		done, err := w.Process(ctx, run.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, mapRunToResponse(*done))
	}
}

func (w *Worker) SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		venueId := 0
		if v := strings.TrimSpace(c.Query("venue_id")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid venue_id"})
				return
			}
			venueId = n
		}
		q := w.db().WithContext(c.Request.Context()).Model(&models.SquareSyncRun{})
		if venueId > 0 {
			q = q.Where("venue_id = ?", venueId)
		}

		var runs []models.SquareSyncRun
		if err := q.Order("id desc").Limit(limit).Find(&runs).Error; err != nil {
			respondError(c, err)
			return
		}
		venueIds := make([]int, 0, len(runs))
		for _, run := range runs {
			venueIds = append(venueIds, run.VenueId)
		}
		names := make(map[int]string)
		if len(venueIds) > 0 {
			venues, errs := middlewares.GetVenues(c.Request.Context(), utils.UniqueInts(venueIds))
			for i, v := range venues {
				if v != nil && (i >= len(errs) || errs[i] == nil) {
					names[v.ID] = v.Name
				}
			}
		}
		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			item := mapRunToResponse(run)
			item.VenueName = names[run.VenueId]
			items = append(items, item)
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func (w *Worker) SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		db := w.db().WithContext(c.Request.Context())

		var run models.SquareSyncRun
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			respondError(c, err)
			return
		}
		var errs []models.SquareSyncError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(run),
			Errors:          mapErrors(errs),
		})
	}
}

func (w *Worker) RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		ctx := c.Request.Context()
		run, err := w.Retry(ctx, uint(id))
		if err != nil {
			respondError(c, err)
			return
		}
		if err := PublishSyncRun(ctx, run.ID, run.VenueId); err != nil {
			config.LogError(config.GetLogger(), "handlers.go", "RetrySyncRunHandler", "publish sync run", run.ID, err)
			if run, err = w.Process(ctx, run.ID); err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, mapRunToResponse(*run))
			return
		}
		c.JSON(http.StatusAccepted, mapRunToResponse(*run))
	}
}
