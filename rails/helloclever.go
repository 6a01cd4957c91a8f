package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/utils"
)

const (
	helloCleverProdBase    = "https://api-merchant.helloclever.co"
	helloCleverSandboxBase = "https://api.cleverhub.co"
	helloCleverPayToBase   = "https://api.cleverhub.co"
)

type HelloCleverCredentials struct {
	AppId         string
	SecretKey     string
	WebhookSecret string
}

// HelloCleverCredentialsFromEnv picks the PROD or SANDBOX set by GO_ENV.
func HelloCleverCredentialsFromEnv() (HelloCleverCredentials, error) {
	prod := config.IsProduction()
	creds := HelloCleverCredentials{
		AppId:         envPick("HELLOCLEVER_APP_ID_PROD", "HELLOCLEVER_APP_ID_SANDBOX", prod),
		SecretKey:     envPick("HELLOCLEVER_SECRET_KEY_PROD", "HELLOCLEVER_SECRET_KEY_SANDBOX", prod),
		WebhookSecret: envPick("HELLOCLEVER_WEBHOOK_SECRET_PROD", "HELLOCLEVER_WEBHOOK_SECRET_SANDBOX", prod),
	}
	if creds.AppId == "" || creds.SecretKey == "" || creds.WebhookSecret == "" {
		return creds, errors.New("missing helloclever credentials")
	}
	return creds, nil
}

type HelloCleverClient struct {
	creds     HelloCleverCredentials
	baseURL   string
	payToBase string
	http      *http.Client
}

func NewHelloCleverClient(creds HelloCleverCredentials) *HelloCleverClient {
	base := helloCleverSandboxBase
	if config.IsProduction() {
		base = helloCleverProdBase
	}
	payToBase := helloCleverPayToBase
	if override := strings.TrimSpace(os.Getenv("HELLOCLEVER_API_BASE_URL")); override != "" {
		base = strings.TrimRight(override, "/")
		payToBase = base
	}
	return &HelloCleverClient{creds: creds, baseURL: base, payToBase: payToBase, http: newHTTPClient()}
}

func (c *HelloCleverClient) accessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/payment_gateways/access_token", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("app-id", c.creds.AppId)
	req.Header.Set("secret-key", c.creds.SecretKey)

	body, err := send(c.http, "helloclever", req)
	if err != nil {
		return "", err
	}
	var out struct {
		AccessToken string `json:"access_token"`
		Data        struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	token := out.AccessToken
	if token == "" {
		token = out.Data.AccessToken
	}
	if token == "" {
		return "", &utils.UpstreamProviderError{Provider: "helloclever", StatusCode: http.StatusOK, Body: "access token missing"}
	}
	return token, nil
}

// CreatePayment opens a hosted payment for a venue invoice. The notification endpoint is
// called back with "Bearer <webhook secret>".
func (c *HelloCleverClient) CreatePayment(ctx context.Context, p GatewayPaymentRequest) (GatewayPaymentResult, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return GatewayPaymentResult{}, err
	}
	authToken := p.NotifyAuthToken
	if authToken == "" {
		authToken = c.creds.WebhookSecret
	}
	payload := map[string]any{
		"order_id":          p.OrderId,
		"amount":            json.Number(p.Amount),
		"description":       p.Description,
		"order_success_url": p.SuccessURL,
		"payment_gateway_notification": map[string]any{
			"endpoint_url":         p.NotifyURL,
			"authorization_header": "Bearer " + authToken,
		},
		"order_details": p.OrderDetails,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return GatewayPaymentResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/payment_gateways/create_payment", bytes.NewReader(b))
	if err != nil {
		return GatewayPaymentResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("access-token", token)

	body, err := send(c.http, "helloclever", req)
	if err != nil {
		return GatewayPaymentResult{}, err
	}
	var out GatewayPaymentResult
	if err := json.Unmarshal(body, &out); err != nil {
		return GatewayPaymentResult{}, err
	}
	out.Body = json.RawMessage(body)
	return out, nil
}

type HelloCleverAgreementRequest struct {
	ClientTransactionId  string
	LimitAmount          string
	Description          string
	ExternalId           string
	PaymentAgreementType string
	StartDate            string
	Frequency            string
	PayerName            string
	PayId                string
	PayIdType            PayIdType
	NotifyURL            string
}

type HelloCleverAgreementResult struct {
	Id                  string          `json:"id"`
	PaymentAgreementId  string          `json:"payment_agreement_id"`
	ClientTransactionId string          `json:"client_transaction_id"`
	Status              string          `json:"status"`
	Body                json.RawMessage `json:"-"`
}

// CreateAgreement requests a PayTo mandate from the payer. Status changes arrive on the PayTo webhook.
func (c *HelloCleverClient) CreateAgreement(ctx context.Context, a HelloCleverAgreementRequest) (HelloCleverAgreementResult, error) {
	payload := map[string]any{
		"client_transaction_id":  a.ClientTransactionId,
		"limit_amount":           json.Number(a.LimitAmount),
		"description":            a.Description,
		"external_id":            a.ExternalId,
		"payment_agreement_type": a.PaymentAgreementType,
		"agreement_details": map[string]any{
			"variable_agreement_details_obj": map[string]any{
				"start_date": a.StartDate,
				"frequency":  a.Frequency,
			},
		},
		"payer_details": map[string]any{
			"name": a.PayerName,
			"pay_id_details": map[string]any{
				"pay_id":      a.PayId,
				"pay_id_type": string(a.PayIdType),
			},
		},
		"payment_agreement_notification": map[string]any{
			"endpoint_url":         a.NotifyURL,
			"authorization_header": "Bearer " + c.creds.WebhookSecret,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return HelloCleverAgreementResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.payToBase+"/api/v1/pay_to/payment_agreement", bytes.NewReader(b))
	if err != nil {
		return HelloCleverAgreementResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("app-id", c.creds.AppId)
	req.Header.Set("secret-key", c.creds.SecretKey)

	body, err := send(c.http, "helloclever", req)
	if err != nil {
		return HelloCleverAgreementResult{}, err
	}
	var out HelloCleverAgreementResult
	if err := json.Unmarshal(body, &out); err != nil {
		return HelloCleverAgreementResult{}, err
	}
	if out.ClientTransactionId == "" {
		out.ClientTransactionId = a.ClientTransactionId
	}
	out.Body = json.RawMessage(body)
	return out, nil
}
