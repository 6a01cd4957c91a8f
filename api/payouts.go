package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/middlewares"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/models/reports"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/mmdatafocus/kickback_backend/workflow"
	"github.com/shopspring/decimal"
)

func currencyParam(value string) string {
	if v := strings.TrimSpace(value); v != "" {
		return utils.NormalizeCurrency(v)
	}
	return config.Settings().DefaultCurrency
}

func parseBatchStatus(v string) (models.PayoutBatchStatus, error) {
	switch s := models.PayoutBatchStatus(strings.ToLower(strings.TrimSpace(v))); s {
	case "":
		return "", nil
	case models.PayoutBatchStatusUnpaid, models.PayoutBatchStatusPaid:
		return s, nil
	default:
		return "", utils.NewValidationError("status", "must be unpaid or paid")
	}
}

func parseLimit(v string, def int) (int, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 500 {
		return 0, utils.NewValidationError("limit", "must be between 1 and 500")
	}
	return n, nil
}

// WeeklyPayouts lists users whose available balance reaches min (default WEEKLY_PAYOUT_MIN).
func (h *Handlers) WeeklyPayouts() gin.HandlerFunc {
	return func(c *gin.Context) {
		min := config.Settings().WeeklyPayoutMin
		if v := strings.TrimSpace(c.Query("min")); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil || d.IsNegative() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min"})
				return
			}
			min = d
		}
		currency := currencyParam(c.Query("currency"))

		candidates, err := reports.WeeklyPayoutCandidates(c.Request.Context(), h.db(), min, currency)
		if err != nil {
			respondError(c, "WeeklyPayouts", err)
			return
		}
		total := decimal.Zero
		for _, p := range candidates {
			total = total.Add(p.Available)
		}
		c.JSON(http.StatusOK, gin.H{
			"currency": currency,
			"min":      min.StringFixed(2),
			"count":    len(candidates),
			"total":    total.StringFixed(2),
			"users":    candidates,
		})
	}
}

type calculateRequest struct {
	Currency string   `json:"currency"`
	UserIds  []string `json:"user_ids"`
}

func (h *Handlers) CalculatePayouts() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req calculateRequest
		if !bindJSON(c, &req) {
			return
		}
		ctx := c.Request.Context()
		currency := currencyParam(req.Currency)
		results, err := workflow.CalculatePayouts(ctx, h.db(), currency, req.UserIds)
		if err != nil {
			respondError(c, "CalculatePayouts", err)
			return
		}
		reports.InvalidateWeeklyPayouts(ctx)

		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}
		config.LogInfo(config.GetLogger(), "api/payouts.go", "CalculatePayouts", "payout batches calculated", map[string]interface{}{
			"actor":    utils.GetActorFromContext(ctx),
			"currency": currency,
			"users":    len(results),
			"failed":   failed,
		})
		c.JSON(http.StatusOK, gin.H{"currency": currency, "results": results})
	}
}

func (h *Handlers) ListPayouts() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := parseBatchStatus(c.Query("status"))
		if err != nil {
			respondError(c, "ListPayouts", err)
			return
		}
		limit, err := parseLimit(c.Query("limit"), 100)
		if err != nil {
			respondError(c, "ListPayouts", err)
			return
		}
		batches, err := workflow.ListPayoutBatches(c.Request.Context(), h.db(), workflow.BatchFilter{
			Status: status,
			UserId: strings.TrimSpace(c.Query("user_id")),
			Limit:  limit,
		})
		if err != nil {
			respondError(c, "ListPayouts", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": batches})
	}
}

func (h *Handlers) GetPayout() gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, err := workflow.GetPayoutBatch(c.Request.Context(), h.db(), c.Param("id"))
		if err != nil {
			respondError(c, "GetPayout", err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

type markPaidRequest struct {
	ExternalRef string `json:"external_ref" validate:"required,max=128"`
}

// MarkPaid closes a batch and settles its claims, or leaves it open and lists the claims that
// blocked it. Paying an already paid batch with the same reference is a no-op.
func (h *Handlers) MarkPaid() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req markPaidRequest
		if !bindJSON(c, &req) {
			return
		}
		req.ExternalRef = strings.TrimSpace(req.ExternalRef)
		if err := utils.ValidateStruct(req); err != nil {
			respondError(c, "MarkPaid", err)
			return
		}
		ctx := c.Request.Context()
		report, err := workflow.MarkBatchPaid(ctx, h.db(), c.Param("id"), req.ExternalRef)
		if err != nil && len(report.Failed) > 0 {
			c.JSON(utils.HTTPStatus(err), gin.H{"error": err.Error(), "failed": report.Failed})
			return
		}
		if err != nil {
			respondError(c, "MarkPaid", err)
			return
		}
		reports.InvalidateWeeklyPayouts(ctx)
		config.LogInfo(config.GetLogger(), "api/payouts.go", "MarkPaid", "payout batch marked paid", map[string]interface{}{
			"actor":        utils.GetActorFromContext(ctx),
			"batch_id":     report.BatchId,
			"already_paid": report.AlreadyPaid,
			"settled":      len(report.Settled),
			"failed":       len(report.Failed),
		})
		c.JSON(http.StatusOK, report)
	}
}

type transferUserRequest struct {
	UserId   string `json:"user_id" validate:"required"`
	Currency string `json:"currency"`
}

// TransferUser sends a user's venue-paid balance to their Stripe account and makes it available.
func (h *Handlers) TransferUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transferUserRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			respondError(c, "TransferUser", err)
			return
		}
		if h.Transfers == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transfers are not configured"})
			return
		}
		rail, err := h.Transfers()
		if err != nil {
			respondError(c, "TransferUser", err)
			return
		}
		ctx := c.Request.Context()
		res, err := workflow.TransferUserBalance(ctx, h.db(), rail, req.UserId, currencyParam(req.Currency))
		if err != nil {
			respondError(c, "TransferUser", err)
			return
		}
		reports.InvalidateWeeklyPayouts(ctx)
		c.JSON(http.StatusOK, res)
	}
}

type transferOpenRequest struct {
	Currency string `json:"currency"`
}

// TransferOpenBatches sends a Stripe transfer for every open batch that has none yet.
func (h *Handlers) TransferOpenBatches() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transferOpenRequest
		if !bindJSON(c, &req) {
			return
		}
		if h.Transfers == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transfers are not configured"})
			return
		}
		rail, err := h.Transfers()
		if err != nil {
			respondError(c, "TransferOpenBatches", err)
			return
		}
		report, err := workflow.SendOpenBatchTransfers(c.Request.Context(), h.db(), rail, currencyParam(req.Currency))
		if err != nil {
			respondError(c, "TransferOpenBatches", err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// ExportPayouts streams the selected batches as XLSX. With upload=true the file goes to GCS
// instead and the object URI is returned.
func (h *Handlers) ExportPayouts() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := parseBatchStatus(c.DefaultQuery("status", string(models.PayoutBatchStatusUnpaid)))
		if err != nil {
			respondError(c, "ExportPayouts", err)
			return
		}
		limit, err := parseLimit(c.Query("limit"), 500)
		if err != nil {
			respondError(c, "ExportPayouts", err)
			return
		}
		upload := c.Query("upload") == "true" || c.Query("upload") == "1"

		ctx := c.Request.Context()
		batches, err := workflow.ListPayoutBatches(ctx, h.db(), workflow.BatchFilter{Status: status, Limit: limit})
		if err != nil {
			respondError(c, "ExportPayouts", err)
			return
		}

		userIds := make([]string, len(batches))
		for i, b := range batches {
			userIds[i] = b.UserId
		}
		rows := make([]reports.PayoutRow, len(batches))
		for i, b := range batches {
			rows[i] = reports.PayoutRow{Batch: b}
		}
		if len(userIds) > 0 {
			profiles, errs := middlewares.GetPayoutProfiles(ctx, userIds)
			for i := range rows {
				if i < len(profiles) && (errs == nil || errs[i] == nil) {
					rows[i].Profile = profiles[i]
				}
			}
		}

		data, err := reports.ExportPayouts(rows)
		if err != nil {
			respondError(c, "ExportPayouts", err)
			return
		}
		now := h.now()
		name := fmt.Sprintf("payouts-%s-%s.xlsx", status, now.UTC().Format("20060102-150405"))
		if status == "" {
			name = fmt.Sprintf("payouts-%s.xlsx", now.UTC().Format("20060102-150405"))
		}

		if upload {
			obj, err := utils.UploadBytesToGCS(ctx, utils.ExportObjectName("payouts", now, name), data, utils.XlsxContentType, map[string]string{
				"exported-by": utils.GetActorFromContext(ctx),
				"status":      string(status),
				"rows":        strconv.Itoa(len(rows)),
			})
			if err != nil {
				respondError(c, "ExportPayouts", err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"uri": obj.URI, "object": obj, "count": len(rows)})
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
		c.Data(http.StatusOK, utils.XlsxContentType, data)
	}
}
