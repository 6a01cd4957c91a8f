package rails

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/kickback_backend/reconcile"
	"github.com/mmdatafocus/kickback_backend/utils"
)

const requestTimeout = 30 * time.Second

type TimeRange struct {
	Begin time.Time
	End   time.Time
}

// PaymentSource lists and fetches card payments for one merchant connection.
type PaymentSource interface {
	ListPayments(ctx context.Context, r TimeRange, cursor string) ([]reconcile.Payment, string, error)
	FetchPayment(ctx context.Context, id string) (*reconcile.Payment, error)
}

type TransferRequest struct {
	Destination    string
	AmountCents    int64
	Currency       string
	Description    string
	TransferGroup  string
	IdempotencyKey string
	Metadata       map[string]string
}

// TransferRail pays a connected account. One call per destination; callers collect failures.
type TransferRail interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (string, error)
}

type AgreementResult struct {
	Uid   string          `json:"uid"`
	State string          `json:"state"`
	Body  json.RawMessage `json:"body"`
}

type PayToPaymentRequest struct {
	AgreementUid    string
	AmountCents     int64
	Description     string
	UniqueReference string
}

// AgreementRail manages PayTo mandates. State changes arrive by webhook only.
type AgreementRail interface {
	CreateAgreement(ctx context.Context, payload map[string]any) (AgreementResult, error)
	AmendAgreement(ctx context.Context, uid string, changes map[string]any) (AgreementResult, error)
	SuspendAgreement(ctx context.Context, uid, reason, narrative string) (AgreementResult, error)
	ReactivateAgreement(ctx context.Context, uid string) (AgreementResult, error)
	InitiatePayment(ctx context.Context, req PayToPaymentRequest) (AgreementResult, error)
}

type GatewayPaymentRequest struct {
	OrderId         string
	Amount          string
	Description     string
	SuccessURL      string
	NotifyURL       string
	NotifyAuthToken string
	OrderDetails    map[string]any
}

type GatewayPaymentResult struct {
	PaymentId   string          `json:"payment_id"`
	RedirectUrl string          `json:"redirect_url"`
	Body        json.RawMessage `json:"body"`
}

// GatewayRail raises a hosted payment page for a venue invoice.
type GatewayRail interface {
	CreatePayment(ctx context.Context, req GatewayPaymentRequest) (GatewayPaymentResult, error)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}

// send performs a single request. Transport failures and non-2xx answers both come back
// as *utils.UpstreamProviderError.
func send(c *http.Client, provider string, req *http.Request) ([]byte, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, &utils.UpstreamProviderError{Provider: provider, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &utils.UpstreamProviderError{Provider: provider, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, &utils.UpstreamProviderError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}

// envPick returns the production or sandbox value of a credential pair.
func envPick(prodKey, sandboxKey string, production bool) string {
	if production {
		return strings.TrimSpace(os.Getenv(prodKey))
	}
	return strings.TrimSpace(os.Getenv(sandboxKey))
}
