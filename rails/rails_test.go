package rails

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmdatafocus/kickback_backend/utils"
)

func TestStripeCreateTransfer_FormAndHeaders(t *testing.T) {
	var gotForm map[string]string
	var gotIdem, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transfers" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		gotIdem = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"id":"tr_123"}`))
	}))
	defer srv.Close()

	c := NewStripeClientWithKey("sk_test", srv.URL)
	id, err := c.CreateTransfer(context.Background(), TransferRequest{
		Destination:    "acct_1",
		AmountCents:    2550,
		Currency:       "AUD",
		Description:    "Weekly payout",
		IdempotencyKey: "batch-1",
		Metadata:       map[string]string{"batch_id": "payout_1", "empty": ""},
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if id != "tr_123" {
		t.Fatalf("expected tr_123, got %q", id)
	}
	if gotForm["amount"] != "2550" || gotForm["currency"] != "aud" || gotForm["destination"] != "acct_1" {
		t.Fatalf("unexpected form: %+v", gotForm)
	}
	if gotForm["metadata[batch_id]"] != "payout_1" {
		t.Fatalf("expected batch metadata, got %+v", gotForm)
	}
	if _, ok := gotForm["metadata[empty]"]; ok {
		t.Fatalf("empty metadata should be omitted")
	}
	if gotIdem != "batch-1" || gotAuth != "Bearer sk_test" {
		t.Fatalf("unexpected headers idem=%q auth=%q", gotIdem, gotAuth)
	}
}

func TestStripeCreateTransfer_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"message":"insufficient funds"}}`))
	}))
	defer srv.Close()

	_, err := NewStripeClientWithKey("sk_test", srv.URL).CreateTransfer(context.Background(), TransferRequest{
		Destination: "acct_1", AmountCents: 100, Currency: "aud",
	})
	var upstream *utils.UpstreamProviderError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamProviderError, got %v", err)
	}
	if upstream.StatusCode != http.StatusPaymentRequired || upstream.Provider != "stripe" {
		t.Fatalf("unexpected upstream error: %+v", upstream)
	}
	if utils.HTTPStatus(err) != http.StatusBadGateway {
		t.Fatalf("expected 502 mapping")
	}
}

func TestStripeCreateTransfer_RejectsBadInput(t *testing.T) {
	c := NewStripeClientWithKey("sk_test", "http://127.0.0.1:0")
	if _, err := c.CreateTransfer(context.Background(), TransferRequest{AmountCents: 100}); err == nil {
		t.Fatalf("expected missing destination error")
	}
	if _, err := c.CreateTransfer(context.Background(), TransferRequest{Destination: "acct", AmountCents: 0}); err == nil {
		t.Fatalf("expected non-positive amount error")
	}
}

func TestSquareBaseURL(t *testing.T) {
	t.Setenv("SQUARE_ENVIRONMENT", "")
	if got := SquareBaseURL("sandbox-abc"); got != squareSandboxBase {
		t.Fatalf("sandbox token: got %s", got)
	}
	if got := SquareBaseURL("EAAA123"); got != squareProdBase {
		t.Fatalf("prod token: got %s", got)
	}
	t.Setenv("SQUARE_ENVIRONMENT", "sandbox")
	if got := SquareBaseURL("EAAA123"); got != squareSandboxBase {
		t.Fatalf("env sandbox: got %s", got)
	}
}

func TestSquareListAllPayments_Paging(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Square-Version") != SquareVersion {
			t.Fatalf("missing Square-Version header")
		}
		q := r.URL.Query()
		if q.Get("sort_order") != "ASC" || q.Get("limit") != "50" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		switch q.Get("cursor") {
		case "":
			_, _ = w.Write([]byte(`{"payments":[{"id":"p1","status":"COMPLETED","created_at":"2025-05-02T09:00:00Z","location_id":"L1","amount_money":{"amount":2500,"currency":"AUD"},"card_details":{"card":{"last_4":"4242","fingerprint":"fp1"}}}],"cursor":"next"}`))
		case "next":
			_, _ = w.Write([]byte(`{"payments":[{"id":"p2","status":"COMPLETED","created_at":"2025-05-02T09:05:00.123Z","amount_money":{"amount":100,"currency":"AUD"},"card_details":{"card":{"last_4":"1111","card_fingerprint":"fp2"}}}]}`))
		default:
			t.Fatalf("unexpected cursor")
		}
	}))
	defer srv.Close()
	t.Setenv("SQUARE_API_BASE_URL", srv.URL)

	c, err := NewSquareClient("sandbox-token", 50)
	if err != nil {
		t.Fatalf("NewSquareClient: %v", err)
	}
	begin := time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)
	payments, err := ListAllPayments(context.Background(), c, TimeRange{Begin: begin, End: begin.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("ListAllPayments: %v", err)
	}
	if calls != 2 || len(payments) != 2 {
		t.Fatalf("expected 2 calls and 2 payments, got %d/%d", calls, len(payments))
	}
	p1 := payments[0]
	if p1.AmountCents != 2500 || p1.Last4 != "4242" || p1.Fingerprint != "fp1" || p1.LocationId != "L1" || p1.Currency != "aud" {
		t.Fatalf("unexpected p1: %+v", p1)
	}
	if payments[1].Fingerprint != "fp2" {
		t.Fatalf("expected card_fingerprint fallback, got %+v", payments[1])
	}
	if !p1.Matchable() {
		t.Fatalf("expected p1 to be matchable")
	}
}

func TestSquareFetchPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/payments/pay_1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"payment":{"id":"pay_1","status":"COMPLETED","created_at":"2025-05-02T09:00:00Z","amount_money":{"amount":999,"currency":"AUD"}}}`))
	}))
	defer srv.Close()
	t.Setenv("SQUARE_API_BASE_URL", srv.URL)

	c, _ := NewSquareClient("EAAA-token", 0)
	p, err := c.FetchPayment(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("FetchPayment: %v", err)
	}
	if p.ID != "pay_1" || p.AmountCents != 999 {
		t.Fatalf("unexpected payment %+v", p)
	}
	if _, err := c.FetchPayment(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for missing payment")
	}
}

func TestDecodeSquarePayment(t *testing.T) {
	if _, err := DecodeSquarePayment(json.RawMessage(`{"status":"COMPLETED"}`)); err == nil {
		t.Fatalf("expected error without id")
	}
	p, err := DecodeSquarePayment(json.RawMessage(`{"id":"x","card_details":{"card":{"last_4":" 0005 "}}}`))
	if err != nil || p.Last4 != "0005" {
		t.Fatalf("unexpected decode: %+v %v", p, err)
	}
}

func TestZeptoCreateAgreement_UidFallback(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		if r.Header.Get("Authorization") != "Bearer zt" || r.Header.Get("Accept") != "application/json" {
			t.Fatalf("unexpected headers")
		}
		_, _ = w.Write([]byte(`{"data":{"state":"created"}}`))
	}))
	defer srv.Close()

	c, err := NewZeptoClient("zt", srv.URL)
	if err != nil {
		t.Fatalf("NewZeptoClient: %v", err)
	}
	res, err := c.CreateAgreement(context.Background(), map[string]any{"uid": "agr_local"})
	if err != nil {
		t.Fatalf("CreateAgreement: %v", err)
	}
	if res.Uid != "agr_local" || res.State != "created" {
		t.Fatalf("unexpected result %+v", res)
	}
	if gotBody["uid"] != "agr_local" {
		t.Fatalf("payload not forwarded: %+v", gotBody)
	}
}

func TestZeptoSuspend_DefaultReason(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, _ := NewZeptoClient("zt", srv.URL)
	res, err := c.SuspendAgreement(context.Background(), "agr_1", "", "")
	if err != nil {
		t.Fatalf("SuspendAgreement: %v", err)
	}
	if gotPath != "/payto/agreements/agr_1/suspension" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotBody["reason"] != DefaultSuspendReason {
		t.Fatalf("expected default reason, got %+v", gotBody)
	}
	if _, ok := gotBody["narrative"]; ok {
		t.Fatalf("narrative should be omitted when empty")
	}
	if res.Uid != "agr_1" {
		t.Fatalf("expected uid echo, got %q", res.Uid)
	}
}

func TestNewZeptoClient_RequiresToken(t *testing.T) {
	if _, err := NewZeptoClient("  ", "http://x"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestHelloCleverCreatePayment(t *testing.T) {
	var created map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/payment_gateways/access_token":
			if r.Header.Get("app-id") != "app" || r.Header.Get("secret-key") != "sec" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"tok"}`))
		case "/api/v1/payment_gateways/create_payment":
			if r.Header.Get("access-token") != "tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			b, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(b, &created)
			_, _ = w.Write([]byte(`{"payment_id":"hc_1","redirect_url":"https://pay/hc_1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	t.Setenv("HELLOCLEVER_API_BASE_URL", srv.URL)

	c := NewHelloCleverClient(HelloCleverCredentials{AppId: "app", SecretKey: "sec", WebhookSecret: "whs"})
	res, err := c.CreatePayment(context.Background(), GatewayPaymentRequest{
		OrderId:   "order-1",
		Amount:    "12.50",
		NotifyURL: "https://example.test/webhooks/helloclever/gateway",
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if res.PaymentId != "hc_1" || res.RedirectUrl != "https://pay/hc_1" {
		t.Fatalf("unexpected result %+v", res)
	}
	notify, _ := created["payment_gateway_notification"].(map[string]any)
	if notify["authorization_header"] != "Bearer whs" {
		t.Fatalf("expected webhook secret bearer, got %+v", notify)
	}
	if created["amount"] != 12.5 {
		t.Fatalf("expected numeric amount, got %#v", created["amount"])
	}
}

func TestDetectPayIdType(t *testing.T) {
	cases := []struct {
		in   string
		want PayIdType
		ok   bool
	}{
		{"venue@example.com", PayIdEmail, true},
		{"51 824 753 556", PayIdABN, true},
		{"0412 345 678", PayIdPhone, true},
		{"+61412345678", PayIdPhone, true},
		{"+61 412 345 678", PayIdPhone, true},
		{"02 9876 5432", PayIdPhone, true},
		{"+1234", "", false},
		{"1234", "", false},
		{"   ", "", false},
	}
	for _, tc := range cases {
		got, ok := DetectPayIdType(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("DetectPayIdType(%q) = %q,%v want %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNormalizePayId(t *testing.T) {
	if got := NormalizePayId("0412 345 678", PayIdPhone); got != "+61412345678" {
		t.Fatalf("phone: got %q", got)
	}
	if got := NormalizePayId(" Venue@Example.com ", PayIdEmail); got != "venue@example.com" {
		t.Fatalf("email: got %q", got)
	}
	if got := NormalizePayId("51 824 753 556", PayIdABN); got != "51824753556" {
		t.Fatalf("abn: got %q", got)
	}
	if got := NormalizePayId(" not-a-phone ", PayIdPhone); got != "not-a-phone" {
		t.Fatalf("unparseable phone should pass through trimmed, got %q", got)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type truncatedBody struct{ sent bool }

func (b *truncatedBody) Read(p []byte) (int, error) {
	if b.sent {
		return 0, io.ErrUnexpectedEOF
	}
	b.sent = true
	return copy(p, `{"id":"tr_`), nil
}

func (b *truncatedBody) Close() error { return nil }

func TestSend_TruncatedBodyIsAnError(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: &truncatedBody{}, Header: http.Header{}, Request: r}, nil
	})}
	req, err := http.NewRequest(http.MethodGet, "http://stripe.test/v1/transfers", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	body, err := send(client, "stripe", req)
	if body != nil {
		t.Fatalf("expected no body, got %q", body)
	}
	var upstream *utils.UpstreamProviderError
	if !errors.As(err, &upstream) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected upstream read error, got %v", err)
	}
	if upstream.Provider != "stripe" || !upstream.Retryable() {
		t.Fatalf("unexpected error %+v", upstream)
	}
}
