package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/mmdatafocus/kickback_backend/config"
)

const (
	zeptoProdBase    = "https://api.zeptopayments.com"
	zeptoSandboxBase = "https://api.sandbox.zeptopayments.com"

	DefaultSuspendReason = "initiating_party_requested"
)

// ZeptoBaseURL follows GO_ENV unless ZEPTO_API_BASE_URL overrides it.
func ZeptoBaseURL() string {
	if override := strings.TrimSpace(os.Getenv("ZEPTO_API_BASE_URL")); override != "" {
		return strings.TrimRight(override, "/")
	}
	if config.IsProduction() {
		return zeptoProdBase
	}
	return zeptoSandboxBase
}

// ZeptoEnvAccessToken is the last fallback after the venue and platform connections.
func ZeptoEnvAccessToken() string {
	return envPick("PRIVATE_ZEPTO_ACCESS_TOKEN_PROD", "PRIVATE_ZEPTO_ACCESS_TOKEN_SANDBOX", config.IsProduction())
}

type ZeptoClient struct {
	accessToken string
	baseURL     string
	http        *http.Client
}

func NewZeptoClient(accessToken, baseURL string) (*ZeptoClient, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, errors.New("missing zepto access token")
	}
	if baseURL == "" {
		baseURL = ZeptoBaseURL()
	}
	return &ZeptoClient{
		accessToken: accessToken,
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        newHTTPClient(),
	}, nil
}

func (c *ZeptoClient) do(ctx context.Context, method, path string, payload any) (AgreementResult, error) {
	var reader *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return AgreementResult{}, err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return AgreementResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := send(c.http, "zepto", req)
	if err != nil {
		return AgreementResult{}, err
	}
	return parseZeptoResult(body), nil
}

// parseZeptoResult reads uid/state from either {"data": {...}} or a bare object.
func parseZeptoResult(body []byte) AgreementResult {
	res := AgreementResult{Body: json.RawMessage(body)}
	if len(bytes.TrimSpace(body)) == 0 {
		res.Body = nil
		return res
	}
	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Uid   string          `json:"uid"`
		State string          `json:"state"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return res
	}
	res.Uid, res.State = envelope.Uid, envelope.State
	if len(envelope.Data) > 0 {
		var inner struct {
			Uid   string `json:"uid"`
			State string `json:"state"`
		}
		if json.Unmarshal(envelope.Data, &inner) == nil {
			if inner.Uid != "" {
				res.Uid = inner.Uid
			}
			if inner.State != "" {
				res.State = inner.State
			}
		}
	}
	return res
}

// CreateAgreement posts the payload as given. Callers that set "uid" get it back
// when Zepto answers without one.
func (c *ZeptoClient) CreateAgreement(ctx context.Context, payload map[string]any) (AgreementResult, error) {
	res, err := c.do(ctx, http.MethodPost, "/payto/agreements", payload)
	if err != nil {
		return res, err
	}
	if res.Uid == "" {
		if uid, ok := payload["uid"].(string); ok {
			res.Uid = uid
		}
	}
	return res, nil
}

func (c *ZeptoClient) GetAgreement(ctx context.Context, uid string) (AgreementResult, error) {
	return c.do(ctx, http.MethodGet, "/payto/agreements/"+url.PathEscape(uid), nil)
}

func (c *ZeptoClient) AmendAgreement(ctx context.Context, uid string, changes map[string]any) (AgreementResult, error) {
	if len(changes) == 0 {
		return AgreementResult{}, errors.New("missing changes")
	}
	res, err := c.do(ctx, http.MethodPost, "/payto/agreements/"+url.PathEscape(uid)+"/amendment", map[string]any{"changes": changes})
	if res.Uid == "" {
		res.Uid = uid
	}
	return res, err
}

func (c *ZeptoClient) SuspendAgreement(ctx context.Context, uid, reason, narrative string) (AgreementResult, error) {
	if reason == "" {
		reason = DefaultSuspendReason
	}
	payload := map[string]any{"reason": reason}
	if narrative != "" {
		payload["narrative"] = narrative
	}
	res, err := c.do(ctx, http.MethodPost, "/payto/agreements/"+url.PathEscape(uid)+"/suspension", payload)
	if res.Uid == "" {
		res.Uid = uid
	}
	return res, err
}

func (c *ZeptoClient) ReactivateAgreement(ctx context.Context, uid string) (AgreementResult, error) {
	res, err := c.do(ctx, http.MethodPost, "/payto/agreements/"+url.PathEscape(uid)+"/reactivation", map[string]any{})
	if res.Uid == "" {
		res.Uid = uid
	}
	return res, err
}

// InitiatePayment debits an active agreement. Settlement is reported by webhook only.
func (c *ZeptoClient) InitiatePayment(ctx context.Context, p PayToPaymentRequest) (AgreementResult, error) {
	if p.AgreementUid == "" {
		return AgreementResult{}, errors.New("missing agreement uid")
	}
	if p.AmountCents <= 0 {
		return AgreementResult{}, errors.New("payment amount must be positive")
	}
	payload := map[string]any{
		"agreement_uid":    p.AgreementUid,
		"amount":           p.AmountCents,
		"description":      p.Description,
		"unique_reference": p.UniqueReference,
	}
	return c.do(ctx, http.MethodPost, "/payto/payments", payload)
}
