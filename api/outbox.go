package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/mmdatafocus/kickback_backend/workflow"
)

type outboxReplayRequest struct {
	IncludeFailed bool `json:"include_failed"`
}

// ReplayOutbox puts dead notifications (and failed ones on request) back in the dispatcher's queue.
func (h *Handlers) ReplayOutbox() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxReplayRequest
		if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
			return
		}
		if h.db() == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		ctx := c.Request.Context()
		n, err := workflow.ReplayDeadNotifications(ctx, h.db(), req.IncludeFailed)
		if err != nil {
			respondError(c, "ReplayOutbox", err)
			return
		}
		config.LogInfo(config.GetLogger(), "api/outbox.go", "ReplayOutbox", "outbox replay queued", map[string]interface{}{
			"actor":          utils.GetActorFromContext(ctx),
			"include_failed": req.IncludeFailed,
			"requeued":       n,
		})
		c.JSON(http.StatusOK, gin.H{"ok": true, "requeued": n})
	}
}

func (h *Handlers) OutboxStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 200 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = n
		}
		if h.db() == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		status, err := models.GetOutboxStatus(c.Request.Context(), h.db(), limit)
		if err != nil {
			respondError(c, "OutboxStatus", err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}
