package webhooks

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/kickback_backend/utils"
)

const signatureTolerance = 300 * time.Second

const (
	squareSignatureHeader       = "x-square-hmacsha256-signature"
	squareLegacySignatureHeader = "x-square-signature"
	zeptoSignatureHeader        = "Split-Signature"
	zeptoRequestIdHeader        = "Split-Request-ID"
)

func envSecrets(keys ...string) []string {
	var out []string
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func StripeWebhookSecrets() []string {
	return envSecrets("STRIPE_WEBHOOK_SECRET_PROD", "STRIPE_WEBHOOK_SECRET_SANDBOX")
}

func SquareWebhookKeys() []string {
	return envSecrets("SQUARE_WEBHOOK_KEY_PROD", "SQUARE_WEBHOOK_KEY_SANDBOX")
}

func ZeptoWebhookSecrets() []string {
	return envSecrets("ZEPTO_WEBHOOK_SECRET_PROD", "ZEPTO_WEBHOOK_SECRET_SANDBOX")
}

func HelloCleverWebhookSecrets() []string {
	return envSecrets("HELLOCLEVER_WEBHOOK_SECRET_PROD", "HELLOCLEVER_WEBHOOK_SECRET_SANDBOX")
}

func rejected(provider, reason string) error {
	return &utils.SignatureError{Provider: provider, Reason: reason}
}

func macOf(newHash func() hash.Hash, key string, parts ...[]byte) []byte {
	m := hmac.New(newHash, []byte(key))
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

func withinTolerance(ts string, now time.Time) bool {
	sec, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return false
	}
	d := now.Sub(time.Unix(sec, 0))
	if d < 0 {
		d = -d
	}
	return d <= signatureTolerance
}

// VerifyStripeSignature checks "t=<ts>,v1=<hex>[,v1=...]" against HMAC-SHA256("<ts>.<body>").
func VerifyStripeSignature(header string, body []byte, secrets []string, now time.Time) error {
	if len(secrets) == 0 {
		return rejected("stripe", "missing_webhook_secret")
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return rejected("stripe", "invalid_signature")
	}
	if !withinTolerance(ts, now) {
		return rejected("stripe", "timestamp_outside_tolerance")
	}
	for _, secret := range secrets {
		expected := hex.EncodeToString(macOf(sha256.New, secret, []byte(ts), []byte("."), body))
		for _, sig := range sigs {
			if hmac.Equal([]byte(expected), []byte(sig)) {
				return nil
			}
		}
	}
	return rejected("stripe", "invalid_signature")
}

// squareNotificationURLs are the URLs Square may have signed: the configured one, the URL as
// forwarded by the proxy, and the URL as received.
func squareNotificationURLs(r *http.Request) []string {
	var urls []string
	if configured := strings.TrimSpace(os.Getenv("SQUARE_WEBHOOK_URL")); configured != "" {
		urls = append(urls, configured)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		urls = append(urls, p+"://"+forwardedHost(r)+r.URL.RequestURI())
	}
	urls = append(urls, scheme+"://"+r.Host+r.URL.RequestURI())
	if r.URL.IsAbs() {
		urls = append(urls, r.URL.String())
	}
	return urls
}

func forwardedHost(r *http.Request) string {
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		return h
	}
	return r.Host
}

// VerifySquareSignature accepts the SHA-256 header and the legacy SHA-1 header, each a base64
// HMAC of notification URL + body under either key.
func VerifySquareSignature(r *http.Request, body []byte, keys []string) error {
	if len(keys) == 0 {
		return rejected("square", "missing_signature_key")
	}
	sig := r.Header.Get(squareSignatureHeader)
	newHash := sha256.New
	if sig == "" {
		sig = r.Header.Get(squareLegacySignatureHeader)
		newHash = sha1.New
	}
	if sig == "" {
		return rejected("square", "missing_signature")
	}
	for _, url := range squareNotificationURLs(r) {
		for _, key := range keys {
			expected := base64.StdEncoding.EncodeToString(macOf(newHash, key, []byte(url), body))
			if hmac.Equal([]byte(expected), []byte(sig)) {
				return nil
			}
		}
	}
	return rejected("square", "invalid_signature")
}

// VerifyZeptoSignature checks "<ts>.<sig>[.<sig>...]" against hex HMAC-SHA256("<ts>.<body>") under
// each secret. Deliveries without a signature header must carry "Bearer <secret>" instead.
func VerifyZeptoSignature(header, authorization string, body []byte, secrets []string, now time.Time) error {
	if len(secrets) == 0 {
		return rejected("zepto", "missing_webhook_secret")
	}
	if header == "" {
		return VerifyBearer("zepto", authorization, secrets)
	}
	parts := strings.Split(header, ".")
	if len(parts) < 2 || parts[0] == "" {
		return rejected("zepto", "invalid_signature")
	}
	if !withinTolerance(parts[0], now) {
		return rejected("zepto", "timestamp_outside_tolerance")
	}
	for _, secret := range secrets {
		expected := macOf(sha256.New, secret, []byte(parts[0]), []byte("."), body)
		for _, s := range parts[1:] {
			got, err := hex.DecodeString(s)
			if err != nil || len(got) != len(expected) {
				continue
			}
			if hmac.Equal(got, expected) {
				return nil
			}
		}
	}
	return rejected("zepto", "invalid_signature")
}

// VerifyBearer compares an Authorization header with "Bearer <secret>" for each secret.
func VerifyBearer(provider, authorization string, secrets []string) error {
	if len(secrets) == 0 {
		return rejected(provider, "missing_webhook_secret")
	}
	for _, s := range secrets {
		if subtle.ConstantTimeCompare([]byte(authorization), []byte("Bearer "+s)) == 1 {
			return nil
		}
	}
	return rejected(provider, "unauthorized")
}
