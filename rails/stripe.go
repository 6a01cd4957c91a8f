package rails

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mmdatafocus/kickback_backend/config"
)

const stripeDefaultBase = "https://api.stripe.com"

type StripeClient struct {
	secretKey string
	baseURL   string
	http      *http.Client
}

// NewStripeClient uses STRIPE_SECRET_KEY_PROD in production and STRIPE_SECRET_KEY_SANDBOX elsewhere.
func NewStripeClient() (*StripeClient, error) {
	key := envPick("STRIPE_SECRET_KEY_PROD", "STRIPE_SECRET_KEY_SANDBOX", config.IsProduction())
	if key == "" {
		return nil, errors.New("missing stripe secret key")
	}
	base := strings.TrimSpace(os.Getenv("STRIPE_API_BASE_URL"))
	if base == "" {
		base = stripeDefaultBase
	}
	return NewStripeClientWithKey(key, base), nil
}

func NewStripeClientWithKey(secretKey, baseURL string) *StripeClient {
	return &StripeClient{
		secretKey: secretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      newHTTPClient(),
	}
}

func (c *StripeClient) post(ctx context.Context, path string, form url.Values, idempotencyKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/"+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return send(c.http, "stripe", req)
}

// CreateTransfer moves funds from the platform balance to a connected account.
func (c *StripeClient) CreateTransfer(ctx context.Context, t TransferRequest) (string, error) {
	if t.Destination == "" {
		return "", errors.New("transfer destination is required")
	}
	if t.AmountCents <= 0 {
		return "", errors.New("transfer amount must be positive")
	}
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(t.AmountCents, 10))
	form.Set("currency", strings.ToLower(t.Currency))
	form.Set("destination", t.Destination)
	if t.Description != "" {
		form.Set("description", t.Description)
	}
	if t.TransferGroup != "" {
		form.Set("transfer_group", t.TransferGroup)
	}
	keys := make([]string, 0, len(t.Metadata))
	for k := range t.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := t.Metadata[k]; v != "" {
			form.Set("metadata["+k+"]", v)
		}
	}

	body, err := c.post(ctx, "transfers", form, t.IdempotencyKey)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("stripe transfer id missing in response")
	}
	return out.ID, nil
}
