package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kickback_backend/utils"
)

func newTestRouter(t *testing.T) (*gin.Engine, string, string) {
	t.Helper()
	t.Setenv("API_SECRET", "test-secret")
	gin.SetMode(gin.TestMode)

	adminToken, err := utils.JwtGenerate("ops-1", utils.RoleAdmin)
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}
	userToken, err := utils.JwtGenerate("user-1", utils.RoleUser)
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}

	r := gin.New()
	(&Handlers{}).Register(r)
	return r, adminToken, userToken
}

func do(r *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRoutes_Auth(t *testing.T) {
	r, admin, user := newTestRouter(t)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"claims without token", http.MethodPost, "/api/claims", "", http.StatusUnauthorized},
		{"link without token", http.MethodPost, "/api/square/link-claim", "", http.StatusUnauthorized},
		{"ops without token", http.MethodGet, "/ops/payouts", "", http.StatusUnauthorized},
		{"ops with user token", http.MethodGet, "/ops/payouts", user, http.StatusUnauthorized},
		{"replay with user token", http.MethodPost, "/internal/ops/outbox/replay", user, http.StatusUnauthorized},
		{"replay without db", http.MethodPost, "/internal/ops/outbox/replay", admin, http.StatusServiceUnavailable},
		{"outbox status with user token", http.MethodGet, "/internal/ops/outbox/status", user, http.StatusUnauthorized},
		{"outbox status bad limit", http.MethodGet, "/internal/ops/outbox/status?limit=0", admin, http.StatusBadRequest},
		{"outbox status without db", http.MethodGet, "/internal/ops/outbox/status", admin, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, tc.method, tc.path, tc.token, "")
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

// Every case fails validation before the handler touches storage.
func TestRoutes_BadRequests(t *testing.T) {
	r, admin, user := newTestRouter(t)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
	}{
		{"claim missing venue", http.MethodPost, "/api/claims", user, `{"amount":"10","last4":"1234","referral_code":"ABCD"}`},
		{"claim bad json", http.MethodPost, "/api/claims", user, `{`},
		{"link missing claim", http.MethodPost, "/api/square/link-claim", user, `{}`},
		{"status empty", http.MethodPost, "/ops/claims/status", admin, `{}`},
		{"status without status", http.MethodPost, "/ops/claims/status", admin, `{"claim_ids":[1,2]}`},
		{"status bad id", http.MethodPost, "/ops/claims/status", admin, `{"claim_ids":[0],"status":"approved"}`},
		{"recompute empty", http.MethodPost, "/ops/ledger/recompute", admin, `{}`},
		{"promote bad action", http.MethodPost, "/ops/balances/promote", admin, `{"action":"everything"}`},
		{"weekly bad min", http.MethodGet, "/ops/payouts/weekly?min=abc", admin, ""},
		{"weekly negative min", http.MethodGet, "/ops/payouts/weekly?min=-1", admin, ""},
		{"list bad status", http.MethodGet, "/ops/payouts?status=open", admin, ""},
		{"list bad limit", http.MethodGet, "/ops/payouts?limit=0", admin, ""},
		{"export bad status", http.MethodGet, "/ops/payouts/export?status=open", admin, ""},
		{"mark paid without ref", http.MethodPost, "/ops/payouts/payout_1_abc/mark-paid", admin, `{"external_ref":"  "}`},
		{"transfer without user", http.MethodPost, "/ops/payouts/transfer-user", admin, `{}`},
		{"preview without venue", http.MethodPost, "/ops/invoices/preview", admin, `{}`},
		{"invoice unknown rail", http.MethodPost, "/ops/invoices/create", admin, `{"venue_id":1,"rail":"paypal"}`},
		{"agreement without payload", http.MethodPost, "/ops/payto/agreements", admin, `{"venue_id":1}`},
		{"agreement missing fields", http.MethodPost, "/ops/payto/agreements", admin, `{"venue_id":1,"agreement":{"debtor":{}}}`},
		{"amend without changes", http.MethodPost, "/ops/payto/agreements/agr_1/amend", admin, `{}`},
		{"helloclever agreement incomplete", http.MethodPost, "/ops/payto/helloclever/agreements", admin, `{"venue_id":1}`},
		{"refresh bad venue id", http.MethodPost, "/ops/venues/abc/refresh", admin, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, tc.method, tc.path, tc.token, tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestTransferUser_NotConfigured(t *testing.T) {
	r, admin, _ := newTestRouter(t)
	w := do(r, http.MethodPost, "/ops/payouts/transfer-user", admin, `{"user_id":"u-1"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", w.Code, w.Body.String())
	}
}

func TestStatusUpdateRequest_Expand(t *testing.T) {
	req := statusUpdateRequest{ClaimIds: []int{3, 1, 3}, Status: "denied", Reason: "duplicate"}
	changes, err := req.expand()
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("changes = %+v, want 2 unique claims", changes)
	}
	for _, ch := range changes {
		if ch.Status != "denied" || ch.Reason != "duplicate" {
			t.Fatalf("unexpected change %+v", ch)
		}
	}

	listed := statusUpdateRequest{Changes: changes[:1], ClaimIds: []int{9}, Status: "approved"}
	got, err := listed.expand()
	if err != nil || len(got) != 1 || got[0].Status != "denied" {
		t.Fatalf("changes list should win, got %+v, %v", got, err)
	}
}
