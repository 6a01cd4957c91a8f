package squaresync

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	w := &Worker{}
	r := gin.New()
	r.POST("/api/square/sync", w.TriggerSyncHandler())
	r.GET("/api/square/sync-runs", w.SyncHistoryHandler())
	r.GET("/api/square/sync-runs/:id", w.SyncRunDetailHandler())
	r.POST("/api/square/sync-runs/:id/retry", w.RetrySyncRunHandler())
	r.POST("/api/square/pubsub", w.PubSubPushHandler())
	return r
}

func TestHandlers_RejectBadRequestsBeforeTouchingStorage(t *testing.T) {
	r := newTestRouter()
	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "trigger not json", method: http.MethodPost, path: "/api/square/sync", body: "{", want: http.StatusBadRequest},
		{name: "trigger without venue", method: http.MethodPost, path: "/api/square/sync", body: `{}`, want: http.StatusBadRequest},
		{name: "trigger half window", method: http.MethodPost, path: "/api/square/sync", body: `{"venue_id":1,"begin":"2026-03-01T00:00:00Z"}`, want: http.StatusBadRequest},
		{name: "history bad venue", method: http.MethodGet, path: "/api/square/sync-runs?venue_id=abc", want: http.StatusBadRequest},
		{name: "detail bad id", method: http.MethodGet, path: "/api/square/sync-runs/x", want: http.StatusBadRequest},
		{name: "retry bad id", method: http.MethodPost, path: "/api/square/sync-runs/0/retry", want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestPubSubPush_AcksUnusableMessages(t *testing.T) {
	r := newTestRouter()

	for _, body := range []string{"", "{", `{"message":{"data":"bm90IGpzb24="}}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/square/pubsub", strings.NewReader(body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("body %q: status = %d, want 204", body, rec.Code)
		}
	}

	t.Setenv("ENABLE_SQUARE_PUBSUB_PUSH_ENDPOINT", "false")
	req := httptest.NewRequest(http.MethodPost, "/api/square/pubsub", strings.NewReader(`{"message":{"data":"eyJydW5faWQiOjEsInZlbnVlX2lkIjoxfQ=="}}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disabled endpoint status = %d, want 204", rec.Code)
	}
}
