package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/mmdatafocus/kickback_backend/workflow"
)

func (h *Handlers) SubmitClaim() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.NewClaim
		if !bindJSON(c, &input) {
			return
		}
		ctx := c.Request.Context()
		userId, _ := utils.GetUserIdFromContext(ctx)

		res, err := workflow.SubmitClaim(ctx, h.db(), userId, input, h.SourceFor)
		if err != nil {
			respondError(c, "SubmitClaim", err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

type linkClaimRequest struct {
	ClaimId int `json:"claim_id" validate:"required,gt=0"`
}

// LinkClaim retries matching for one of the caller's own claims.
func (h *Handlers) LinkClaim() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req linkClaimRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			respondError(c, "LinkClaim", err)
			return
		}
		ctx := c.Request.Context()
		userId, _ := utils.GetUserIdFromContext(ctx)

		res, err := workflow.LinkClaim(ctx, h.db(), req.ClaimId, userId, h.SourceFor)
		if err != nil {
			respondError(c, "LinkClaim", err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// statusUpdateRequest takes either a changes list or the same status for many claims.
type statusUpdateRequest struct {
	Changes  []workflow.ClaimStatusChange `json:"changes" validate:"omitempty,dive"`
	ClaimIds []int                        `json:"claim_ids"`
	Status   string                       `json:"status"`
	Reason   string                       `json:"reason"`
}

func (r statusUpdateRequest) expand() ([]workflow.ClaimStatusChange, error) {
	if len(r.Changes) > 0 {
		return r.Changes, nil
	}
	if len(r.ClaimIds) == 0 {
		return nil, utils.NewValidationError("claim_ids", "changes or claim_ids is required")
	}
	if r.Status == "" {
		return nil, utils.NewValidationError("status", "is required")
	}
	for _, id := range r.ClaimIds {
		if id <= 0 {
			return nil, utils.NewValidationError("claim_ids", "must be positive")
		}
	}
	return workflow.ExpandStatusChanges(r.ClaimIds, r.Status, r.Reason), nil
}

func (h *Handlers) UpdateClaimStatuses() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statusUpdateRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			respondError(c, "UpdateClaimStatuses", err)
			return
		}
		changes, err := req.expand()
		if err != nil {
			respondError(c, "UpdateClaimStatuses", err)
			return
		}
		ctx := c.Request.Context()
		report, err := workflow.UpdateClaimStatuses(ctx, h.db(), changes)
		if err != nil {
			respondError(c, "UpdateClaimStatuses", err)
			return
		}
		config.LogInfo(config.GetLogger(), "api/claims.go", "UpdateClaimStatuses", "claim statuses updated", map[string]interface{}{
			"actor":   utils.GetActorFromContext(ctx),
			"updated": len(report.Updated),
			"failed":  len(report.Failed),
		})
		c.JSON(http.StatusOK, report)
	}
}

type recomputeRequest struct {
	ClaimIds []int `json:"claim_ids"`
	VenueId  int   `json:"venue_id"`
	PageSize int   `json:"page_size"`
}

// RecomputeLedger rebuilds entries for the listed claims, or for every claim of a venue.
func (h *Handlers) RecomputeLedger() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recomputeRequest
		if !bindJSON(c, &req) {
			return
		}
		ctx := c.Request.Context()
		switch {
		case len(req.ClaimIds) > 0:
			totals, stats, err := workflow.RecomputeLedgerForClaimIds(ctx, h.db(), utils.UniqueInts(req.ClaimIds))
			if err != nil {
				respondError(c, "RecomputeLedger", err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"stats": stats, "totals": totals})
		case req.VenueId > 0:
			stats, err := workflow.RecomputeLedgerForVenue(ctx, h.db(), req.VenueId, req.PageSize)
			if err != nil {
				respondError(c, "RecomputeLedger", err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"stats": stats})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "claim_ids or venue_id is required"})
		}
	}
}

type promoteRequest struct {
	Action string `json:"action" validate:"omitempty,oneof=pending_to_approved approved_to_available all"`
}

func (h *Handlers) PromoteBalances() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req promoteRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			respondError(c, "PromoteBalances", err)
			return
		}
		ctx := c.Request.Context()
		res, err := workflow.PromoteBalances(ctx, h.db(), req.Action)
		if err != nil {
			respondError(c, "PromoteBalances", err)
			return
		}
		config.LogInfo(config.GetLogger(), "api/claims.go", "PromoteBalances", "balances promoted", map[string]interface{}{
			"actor":  utils.GetActorFromContext(ctx),
			"action": req.Action,
			"result": res,
		})
		c.JSON(http.StatusOK, res)
	}
}
