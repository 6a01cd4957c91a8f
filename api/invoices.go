package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/mmdatafocus/kickback_backend/workflow"
)

type previewRequest struct {
	VenueId int `json:"venue_id" validate:"required,gt=0"`
}

// PreviewInvoice totals last week's approved claims for a venue without charging anything.
func (h *Handlers) PreviewInvoice() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req previewRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			respondError(c, "PreviewInvoice", err)
			return
		}
		preview, err := workflow.PreviewVenueInvoice(c.Request.Context(), h.db(), req.VenueId, h.now())
		if err != nil {
			respondError(c, "PreviewInvoice", err)
			return
		}
		c.JSON(http.StatusOK, preview)
	}
}

// CreateInvoice charges the venue through the HelloClever gateway (default) or a Zepto PayTo
// payment against its active agreement.
func (h *Handlers) CreateInvoice() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.CreateInvoiceInput
		if !bindJSON(c, &input) {
			return
		}
		if input.Rail == "" {
			input.Rail = string(models.PaymentRailHelloClever)
		}
		if err := utils.ValidateStruct(input); err != nil {
			respondError(c, "CreateInvoice", err)
			return
		}
		input.PublicBaseURL = publicBaseURL()
		ctx := c.Request.Context()

		var (
			req *models.VenuePaymentRequest
			err error
		)
		if input.Rail == string(models.PaymentRailZepto) {
			rail, rerr := workflow.OpenZeptoRail(ctx, h.db(), input.VenueId, h.Zepto)
			if rerr != nil {
				respondError(c, "CreateInvoice", rerr)
				return
			}
			req, err = workflow.CreatePayToInvoice(ctx, h.db(), rail, input, h.now())
		} else {
			if h.HelloClever == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "helloclever is not configured"})
				return
			}
			client, cerr := h.HelloClever()
			if cerr != nil {
				respondError(c, "CreateInvoice", cerr)
				return
			}
			req, err = workflow.CreateGatewayInvoice(ctx, h.db(), client, input, h.now())
		}
		if err != nil {
			respondError(c, "CreateInvoice", err)
			return
		}
		config.LogInfo(config.GetLogger(), "api/invoices.go", "CreateInvoice", "venue invoice created", map[string]interface{}{
			"actor":    utils.GetActorFromContext(ctx),
			"venue_id": input.VenueId,
			"rail":     input.Rail,
			"order_id": req.OrderId,
		})
		c.JSON(http.StatusCreated, req)
	}
}
