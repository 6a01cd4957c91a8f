package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/middlewares"
	"github.com/mmdatafocus/kickback_backend/rails"
	"github.com/mmdatafocus/kickback_backend/squaresync"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/mmdatafocus/kickback_backend/webhooks"
	"github.com/mmdatafocus/kickback_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HelloCleverFactory opens the HelloClever client used for gateway invoices and PayTo agreements.
type HelloCleverFactory func() (*rails.HelloCleverClient, error)

func HelloCleverFromEnv() (*rails.HelloCleverClient, error) {
	creds, err := rails.HelloCleverCredentialsFromEnv()
	if err != nil {
		return nil, err
	}
	return rails.NewHelloCleverClient(creds), nil
}

// Handlers serves the user and ops endpoints. Provider factories are swapped in tests.
type Handlers struct {
	DB          *gorm.DB
	SourceFor   workflow.PaymentSourceFactory
	Transfers   webhooks.TransferRailFactory
	Zepto       workflow.ZeptoRailFactory
	HelloClever HelloCleverFactory
	Sync        *squaresync.Worker
	Now         func() time.Time
}

func NewHandlers(db *gorm.DB) *Handlers {
	return &Handlers{
		DB:          db,
		SourceFor:   workflow.SquarePaymentSource,
		Transfers:   webhooks.StripeTransfers,
		Zepto:       workflow.ZeptoRail,
		HelloClever: HelloCleverFromEnv,
		Sync:        squaresync.NewWorker(db),
		Now:         time.Now,
	}
}

// Register mounts every route on r. Tokens are only read on user and ops routes, so Pub/Sub push
// requests carrying Google's OIDC bearer are not rejected.
func (h *Handlers) Register(r gin.IRouter) {
	user := r.Group("/api", middlewares.AuthMiddleware(), middlewares.RequireUser())
	user.POST("/claims", h.SubmitClaim())
	user.POST("/square/link-claim", h.LinkClaim())

	if h.Sync != nil {
		square := r.Group("/api/square")
		square.POST("/pubsub", h.Sync.PubSubPushHandler())
		sq := square.Group("", middlewares.AuthMiddleware(), middlewares.OpsAuth())
		sq.POST("/sync", h.Sync.TriggerSyncHandler())
		sq.GET("/sync-runs", h.Sync.SyncHistoryHandler())
		sq.GET("/sync-runs/:id", h.Sync.SyncRunDetailHandler())
		sq.POST("/sync-runs/:id/retry", h.Sync.RetrySyncRunHandler())
	}

	ops := r.Group("/ops", middlewares.AuthMiddleware(), middlewares.OpsAuth())
	ops.POST("/claims/status", h.UpdateClaimStatuses())
	ops.POST("/ledger/recompute", h.RecomputeLedger())
	ops.POST("/balances/promote", h.PromoteBalances())

	ops.GET("/payouts/weekly", h.WeeklyPayouts())
	ops.POST("/payouts/calculate", h.CalculatePayouts())
	ops.GET("/payouts", h.ListPayouts())
	ops.GET("/payouts/export", h.ExportPayouts())
	ops.GET("/payouts/:id", h.GetPayout())
	ops.POST("/payouts/:id/mark-paid", h.MarkPaid())
	ops.POST("/payouts/transfer-user", h.TransferUser())
	ops.POST("/payouts/transfer-open", h.TransferOpenBatches())

	ops.POST("/invoices/preview", h.PreviewInvoice())
	ops.POST("/invoices/create", h.CreateInvoice())

	ops.POST("/venues/:id/refresh", h.RefreshVenue())

	ops.POST("/payto/agreements", h.CreateAgreement())
	ops.POST("/payto/agreements/:uid/amend", h.AmendAgreement())
	ops.POST("/payto/agreements/:uid/suspend", h.SuspendAgreement())
	ops.POST("/payto/agreements/:uid/reactivate", h.ReactivateAgreement())
	ops.POST("/payto/helloclever/agreements", h.CreateHelloCleverAgreement())

	r.POST("/internal/ops/outbox/replay", middlewares.AuthMiddleware(), middlewares.OpsAuth(), h.ReplayOutbox())
	r.GET("/internal/ops/outbox/status", middlewares.AuthMiddleware(), middlewares.OpsAuth(), h.OutboxStatus())
}

// db falls back to the process connection so handlers can be built before it is up.
func (h *Handlers) db() *gorm.DB {
	if h.DB != nil {
		return h.DB
	}
	return config.GetDB()
}

func (h *Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func publicBaseURL() string {
	return strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")
}

func respondError(c *gin.Context, handler string, err error) {
	status := utils.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		config.GetLogger().WithFields(logrus.Fields{
			"field":   "api",
			"handler": handler,
			"path":    c.Request.URL.Path,
			"actor":   utils.GetActorFromContext(c.Request.Context()),
		}).Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func bindJSON(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return false
	}
	return true
}
