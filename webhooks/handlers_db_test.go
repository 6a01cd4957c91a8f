package webhooks

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kickback_backend/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openWebhookDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "webhooks.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&models.WebhookEvent{}, &models.IdempotencyKey{}, &models.PayToAgreement{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestHelloCleverPayTo_RedeliveryIsSkipped(t *testing.T) {
	t.Setenv("HELLOCLEVER_WEBHOOK_SECRET_PROD", "hc-secret")
	db := openWebhookDB(t)
	if err := db.Create(&models.PayToAgreement{
		Rail:  models.PaymentRailHelloClever,
		Uid:   "agr-1",
		State: "pending",
	}).Error; err != nil {
		t.Fatalf("create agreement: %v", err)
	}

	gin.SetMode(gin.TestMode)
	h := &Handlers{DB: db, Now: func() time.Time { return time.Unix(1_760_000_000, 0) }}
	r := gin.New()
	h.Register(r.Group("/webhooks"))

	deliver := func() map[string]any {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/helloclever/payto",
			strings.NewReader(`{"payment_agreement_id":"agr-1","status":"ACTIVE"}`))
		req.Header.Set("Authorization", "Bearer hc-secret")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		return decode(t, w)
	}

	first := deliver()
	agreement, _ := first["agreement"].(map[string]any)
	if agreement["state"] != "active" || first["duplicate"] != nil {
		t.Fatalf("first delivery: %v", first)
	}

	// A later state must survive a replay of the old callback.
	if err := db.Model(&models.PayToAgreement{}).Where("uid = ?", "agr-1").Update("state", "suspended").Error; err != nil {
		t.Fatalf("update agreement: %v", err)
	}
	if second := deliver(); second["duplicate"] != true {
		t.Fatalf("expected duplicate, got %v", second)
	}
	var stored models.PayToAgreement
	if err := db.Where("uid = ?", "agr-1").Take(&stored).Error; err != nil {
		t.Fatalf("load agreement: %v", err)
	}
	if stored.State != "suspended" {
		t.Fatalf("replay rewrote the agreement state to %s", stored.State)
	}

	var keys []models.IdempotencyKey
	if err := db.Find(&keys).Error; err != nil {
		t.Fatalf("load keys: %v", err)
	}
	if len(keys) != 1 || keys[0].Status != models.IdempotencyStatusSucceeded || keys[0].MessageId != "agr-1:active" {
		t.Fatalf("unexpected idempotency keys %+v", keys)
	}
}
