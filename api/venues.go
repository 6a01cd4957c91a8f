package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kickback_backend/models"
)

// RefreshVenue drops the cached venue so rate or location edits made by the venue admin
// apply to the next claim.
func (h *Handlers) RefreshVenue() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid venue id"})
			return
		}
		if err := models.InvalidateVenueCache(c.Request.Context(), id); err != nil {
			respondError(c, "RefreshVenue", err)
			return
		}
		venue, err := models.GetVenue(c.Request.Context(), h.db(), id)
		if err != nil {
			respondError(c, "RefreshVenue", err)
			return
		}
		c.JSON(http.StatusOK, venue)
	}
}
