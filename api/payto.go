package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/rails"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/mmdatafocus/kickback_backend/workflow"
)

type createAgreementRequest struct {
	VenueId int            `json:"venue_id" validate:"required,gt=0"`
	Payload map[string]any `json:"agreement" validate:"required"`
}

// CreateAgreement requests a Zepto PayTo mandate for a venue. The stored agreement stays
// pending until Zepto's webhook activates it.
func (h *Handlers) CreateAgreement() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createAgreementRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			respondError(c, "CreateAgreement", err)
			return
		}
		if missing := workflow.MissingZeptoAgreementFields(req.Payload); len(missing) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_fields", "fields": missing})
			return
		}
		ctx := c.Request.Context()
		rail, err := workflow.OpenZeptoRail(ctx, h.db(), req.VenueId, h.Zepto)
		if err != nil {
			respondError(c, "CreateAgreement", err)
			return
		}
		agreement, err := workflow.CreateZeptoAgreement(ctx, h.db(), rail, req.VenueId, req.Payload)
		if err != nil {
			respondError(c, "CreateAgreement", err)
			return
		}
		c.JSON(http.StatusCreated, agreement)
	}
}

// agreementRail opens Zepto with the token of the venue that owns uid, or the platform token
// for agreements we never stored.
func (h *Handlers) agreementRail(c *gin.Context, uid string) (rails.AgreementRail, bool) {
	ctx := c.Request.Context()
	venueId := 0
	stored, err := models.AgreementByUid(ctx, h.db(), uid)
	if err != nil {
		respondError(c, "agreementRail", err)
		return nil, false
	}
	if stored != nil && stored.VenueId != nil {
		venueId = *stored.VenueId
	}
	rail, err := workflow.OpenZeptoRail(ctx, h.db(), venueId, h.Zepto)
	if err != nil {
		respondError(c, "agreementRail", err)
		return nil, false
	}
	return rail, true
}

type amendRequest struct {
	Changes map[string]any `json:"changes"`
}

func (h *Handlers) AmendAgreement() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.Param("uid"))
		var req amendRequest
		if !bindJSON(c, &req) {
			return
		}
		if len(req.Changes) == 0 {
			respondError(c, "AmendAgreement", utils.NewValidationError("changes", "missing_changes"))
			return
		}
		rail, ok := h.agreementRail(c, uid)
		if !ok {
			return
		}
		res, err := workflow.AmendZeptoAgreement(c.Request.Context(), h.db(), rail, uid, req.Changes)
		if err != nil {
			respondError(c, "AmendAgreement", err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type suspendRequest struct {
	Reason    string `json:"reason"`
	Narrative string `json:"narrative"`
}

// SuspendAgreement asks Zepto to pause the mandate. Local state changes when the webhook arrives.
func (h *Handlers) SuspendAgreement() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.Param("uid"))
		var req suspendRequest
		if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
			return
		}
		if req.Reason == "" {
			req.Reason = "other"
		}
		rail, ok := h.agreementRail(c, uid)
		if !ok {
			return
		}
		res, err := workflow.SuspendZeptoAgreement(c.Request.Context(), rail, uid, req.Reason, req.Narrative)
		if err != nil {
			respondError(c, "SuspendAgreement", err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (h *Handlers) ReactivateAgreement() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.Param("uid"))
		rail, ok := h.agreementRail(c, uid)
		if !ok {
			return
		}
		res, err := workflow.ReactivateZeptoAgreement(c.Request.Context(), rail, uid)
		if err != nil {
			respondError(c, "ReactivateAgreement", err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// CreateHelloCleverAgreement requests a monthly PayTo mandate through HelloClever. The PayID is
// normalized to E.164 when it is a phone number.
func (h *Handlers) CreateHelloCleverAgreement() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.HelloCleverAgreementInput
		if !bindJSON(c, &input) {
			return
		}
		if err := utils.ValidateStruct(input); err != nil {
			respondError(c, "CreateHelloCleverAgreement", err)
			return
		}
		if h.HelloClever == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "helloclever is not configured"})
			return
		}
		client, err := h.HelloClever()
		if err != nil {
			respondError(c, "CreateHelloCleverAgreement", err)
			return
		}
		input.PublicBaseURL = publicBaseURL()
		agreement, err := workflow.CreateHelloCleverAgreement(c.Request.Context(), h.db(), client, input)
		if err != nil {
			respondError(c, "CreateHelloCleverAgreement", err)
			return
		}
		c.JSON(http.StatusCreated, agreement)
	}
}
