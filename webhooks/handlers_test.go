package webhooks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestRouter() (*gin.Engine, *Handlers) {
	gin.SetMode(gin.TestMode)
	h := &Handlers{Now: func() time.Time { return time.Unix(1_760_000_000, 0) }}
	r := gin.New()
	h.Register(r.Group("/webhooks"))
	return r, h
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// Every handler must reject an unauthenticated delivery before touching storage.
func TestHandlers_RejectUnsigned(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET_PROD", "whsec_prod")
	t.Setenv("SQUARE_WEBHOOK_KEY_PROD", "square-key")
	t.Setenv("ZEPTO_WEBHOOK_SECRET_PROD", "zepto-secret")
	t.Setenv("HELLOCLEVER_WEBHOOK_SECRET_PROD", "hc-secret")
	r, _ := newTestRouter()

	paths := []string{
		"/webhooks/square",
		"/webhooks/stripe/invoices",
		"/webhooks/stripe/payouts",
		"/webhooks/zepto",
		"/webhooks/helloclever/gateway",
		"/webhooks/helloclever/payto",
	}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, p, strings.NewReader(`{}`))
			r.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
			}
			if ok, _ := decode(t, w)["ok"].(bool); ok {
				t.Fatalf("expected ok=false")
			}
		})
	}
}

func TestHandlers_MissingSecretRejects(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET_PROD", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET_SANDBOX", "")
	r, _ := newTestRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe/invoices", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without configured secrets, got %d", w.Code)
	}
}

func TestHelloCleverGateway_MissingIdentifier(t *testing.T) {
	t.Setenv("HELLOCLEVER_WEBHOOK_SECRET_PROD", "hc-secret")
	r, _ := newTestRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/helloclever/gateway", strings.NewReader(`{"status":"paid"}`))
	req.Header.Set("Authorization", "Bearer hc-secret")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["error"]; got != "missing_identifier" {
		t.Fatalf("unexpected error %v", got)
	}
}

func TestHelloCleverPayTo_MissingIdentifier(t *testing.T) {
	t.Setenv("HELLOCLEVER_WEBHOOK_SECRET_SANDBOX", "hc-sandbox")
	r, _ := newTestRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/helloclever/payto", strings.NewReader(`{"status":"ACTIVE"}`))
	req.Header.Set("Authorization", "Bearer hc-sandbox")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestZepto_InvalidPayload(t *testing.T) {
	t.Setenv("ZEPTO_WEBHOOK_SECRET_PROD", "zepto-secret")
	r, _ := newTestRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/zepto", strings.NewReader(`{"event":{"type":"payto_agreement.activated"}}`))
	req.Header.Set("Authorization", "Bearer zepto-secret")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing data, got %d: %s", w.Code, w.Body.String())
	}
}

func TestParseWeekBound(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-03-02T00:00:00+11:00", time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)},
		{"2026-03-02", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{"", time.Time{}},
		{"last week", time.Time{}},
	}
	for _, tt := range tests {
		if got := parseWeekBound(tt.in); !got.Equal(tt.want) {
			t.Fatalf("parseWeekBound(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
