package rails

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/kickback_backend/reconcile"
)

const (
	SquareVersion     = "2025-01-23"
	squareProdBase    = "https://connect.squareup.com"
	squareSandboxBase = "https://connect.squareupsandbox.com"
)

type squarePayment struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
	LocationId string `json:"location_id"`
	OrderId    string `json:"order_id"`
	AmountMoney *struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"amount_money"`
	CardDetails *struct {
		Card *struct {
			Last4           string `json:"last_4"`
			Fingerprint     string `json:"fingerprint"`
			CardFingerprint string `json:"card_fingerprint"`
		} `json:"card"`
	} `json:"card_details"`
}

func (p squarePayment) toPayment() reconcile.Payment {
	out := reconcile.Payment{
		ID:         p.ID,
		Status:     p.Status,
		LocationId: p.LocationId,
		OrderId:    p.OrderId,
	}
	if p.AmountMoney != nil {
		out.AmountCents = p.AmountMoney.Amount
		out.Currency = strings.ToLower(p.AmountMoney.Currency)
	}
	if p.CardDetails != nil && p.CardDetails.Card != nil {
		out.Last4 = strings.TrimSpace(p.CardDetails.Card.Last4)
		out.Fingerprint = p.CardDetails.Card.Fingerprint
		if out.Fingerprint == "" {
			out.Fingerprint = p.CardDetails.Card.CardFingerprint
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, p.CreatedAt); err == nil {
		out.Time = t.UTC()
	}
	return out
}

// DecodeSquarePayment converts a payment object embedded in a webhook body.
func DecodeSquarePayment(raw json.RawMessage) (reconcile.Payment, error) {
	var p squarePayment
	if err := json.Unmarshal(raw, &p); err != nil {
		return reconcile.Payment{}, err
	}
	if p.ID == "" {
		return reconcile.Payment{}, errors.New("square payment without id")
	}
	return p.toPayment(), nil
}

type SquareClient struct {
	accessToken string
	baseURL     string
	fixedBase   bool
	pageLimit   int
	http        *http.Client
}

// SquareBaseURL picks sandbox for "sandbox-" tokens or SQUARE_ENVIRONMENT=sandbox.
func SquareBaseURL(accessToken string) string {
	if strings.HasPrefix(accessToken, "sandbox-") {
		return squareSandboxBase
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("SQUARE_ENVIRONMENT")), "sandbox") {
		return squareSandboxBase
	}
	return squareProdBase
}

func NewSquareClient(accessToken string, pageLimit int) (*SquareClient, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, errors.New("square access token is empty")
	}
	if pageLimit <= 0 || pageLimit > 200 {
		pageLimit = 200
	}
	c := &SquareClient{
		accessToken: accessToken,
		baseURL:     SquareBaseURL(accessToken),
		pageLimit:   pageLimit,
		http:        newHTTPClient(),
	}
	if override := strings.TrimSpace(os.Getenv("SQUARE_API_BASE_URL")); override != "" {
		c.baseURL = strings.TrimRight(override, "/")
		c.fixedBase = true
	}
	return c, nil
}

func (c *SquareClient) get(ctx context.Context, base, path string, params url.Values, out any) error {
	endpoint := base + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Square-Version", SquareVersion)
	req.Header.Set("Accept", "application/json")

	body, err := send(c.http, "square", req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// ListPayments returns one page in ascending time order and the cursor for the next.
func (c *SquareClient) ListPayments(ctx context.Context, r TimeRange, cursor string) ([]reconcile.Payment, string, error) {
	params := url.Values{}
	params.Set("begin_time", r.Begin.UTC().Format(time.RFC3339))
	params.Set("end_time", r.End.UTC().Format(time.RFC3339))
	params.Set("sort_order", "ASC")
	params.Set("limit", strconv.Itoa(c.pageLimit))
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var page struct {
		Payments []squarePayment `json:"payments"`
		Cursor   string          `json:"cursor"`
	}
	if err := c.get(ctx, c.baseURL, "/v2/payments", params, &page); err != nil {
		return nil, "", err
	}
	out := make([]reconcile.Payment, 0, len(page.Payments))
	for _, p := range page.Payments {
		out = append(out, p.toPayment())
	}
	return out, page.Cursor, nil
}

// ListAllPayments walks every page of the range.
func ListAllPayments(ctx context.Context, src PaymentSource, r TimeRange) ([]reconcile.Payment, error) {
	var all []reconcile.Payment
	cursor := ""
	for {
		page, next, err := src.ListPayments(ctx, r, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" || next == cursor {
			return all, nil
		}
		cursor = next
	}
}

// FetchPayment retries once against the other environment: tokens do not always say where they belong.
func (c *SquareClient) FetchPayment(ctx context.Context, id string) (*reconcile.Payment, error) {
	var resp struct {
		Payment *squarePayment `json:"payment"`
	}
	path := "/v2/payments/" + url.PathEscape(id)
	err := c.get(ctx, c.baseURL, path, nil, &resp)
	if err != nil && !c.fixedBase {
		fallback := squareSandboxBase
		if c.baseURL == squareSandboxBase {
			fallback = squareProdBase
		}
		err = c.get(ctx, fallback, path, nil, &resp)
	}
	if err != nil {
		return nil, err
	}
	if resp.Payment == nil {
		return nil, errors.New("square payment missing in response")
	}
	p := resp.Payment.toPayment()
	return &p, nil
}
