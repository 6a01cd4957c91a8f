package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPercentOf(t *testing.T) {
	cases := []struct {
		amount, rate, want string
	}{
		{"100.00", "5", "5"},
		{"33.33", "5", "1.67"},
		{"10.10", "2.5", "0.25"},
		{"0.01", "5", "0"},
		{"19.90", "10", "1.99"},
	}
	for _, tc := range cases {
		got := PercentOf(decimal.RequireFromString(tc.amount), decimal.RequireFromString(tc.rate))
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("PercentOf(%s, %s) = %s, want %s", tc.amount, tc.rate, got, tc.want)
		}
	}
}

func TestCents(t *testing.T) {
	if got := ToCents(decimal.RequireFromString("12.345")); got != 1235 {
		t.Fatalf("ToCents = %d, want 1235", got)
	}
	if got := FromCents(1999); !got.Equal(decimal.RequireFromString("19.99")) {
		t.Fatalf("FromCents = %s", got)
	}
	if got := SumDecimals(FromCents(1), FromCents(2), FromCents(3)); !got.Equal(decimal.RequireFromString("0.06")) {
		t.Fatalf("SumDecimals = %s", got)
	}
	if got := NormalizeCurrency("  AUD "); got != "aud" {
		t.Fatalf("NormalizeCurrency = %q", got)
	}
	if got := NormalizeCurrency(""); got != "aud" {
		t.Fatalf("NormalizeCurrency(empty) = %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{NewValidationError("amount", "must be positive"), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", NewConflictError("card_bound_to_other_user", "card is bound")), http.StatusConflict},
		{&SignatureError{Provider: "stripe", Reason: "bad"}, http.StatusUnauthorized},
		{NewNotFoundError("claim", 7), http.StatusNotFound},
		{&UpstreamProviderError{Provider: "square", StatusCode: 503}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestUpstreamProviderError_Retryable(t *testing.T) {
	cases := []struct {
		err  UpstreamProviderError
		want bool
	}{
		{UpstreamProviderError{Provider: "stripe", Err: errors.New("timeout")}, true},
		{UpstreamProviderError{Provider: "stripe", StatusCode: 429}, true},
		{UpstreamProviderError{Provider: "stripe", StatusCode: 502}, true},
		{UpstreamProviderError{Provider: "stripe", StatusCode: 400}, false},
	}
	for _, tc := range cases {
		if got := tc.err.Retryable(); got != tc.want {
			t.Fatalf("Retryable(%s) = %v, want %v", tc.err.Error(), got, tc.want)
		}
	}
}

func TestValidateStruct(t *testing.T) {
	type claimInput struct {
		Last4        string `validate:"required,last4"`
		ReferralCode string `validate:"refcode"`
	}
	if err := ValidateStruct(claimInput{Last4: "1234", ReferralCode: "ABCD12"}); err != nil {
		t.Fatalf("valid input: %v", err)
	}
	if err := ValidateStruct(claimInput{Last4: "1234"}); err != nil {
		t.Fatalf("empty referral code should pass: %v", err)
	}
	err := ValidateStruct(claimInput{Last4: "12a4"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "Last4" {
		t.Fatalf("err = %v, want ValidationError on Last4", err)
	}
	if err := ValidateStruct(claimInput{Last4: "1234", ReferralCode: "ab"}); err == nil {
		t.Fatalf("expected refcode failure")
	}
	if got := NormalizeLast4("**** 98-76 5"); got != "9876" {
		t.Fatalf("NormalizeLast4 = %q", got)
	}
	if got := NormalizeReferralCode(" ab12 "); got != "AB12" {
		t.Fatalf("NormalizeReferralCode = %q", got)
	}
}

func TestContextActor(t *testing.T) {
	ctx := context.Background()
	if got := GetActorFromContext(ctx); got != "system" {
		t.Fatalf("actor = %q, want system", got)
	}
	ctx = SetUserIdInContext(ctx, "user-1")
	if got := GetActorFromContext(ctx); got != "user-1" {
		t.Fatalf("actor = %q, want user-1", got)
	}
	ctx = SetActorInContext(ctx, "cron")
	if got := GetActorFromContext(ctx); got != "cron" {
		t.Fatalf("actor = %q, want cron", got)
	}
	ctx = SetRoleInContext(SetTokenInContext(ctx, "tok"), RoleAdmin)
	if role, ok := GetRoleFromContext(ctx); !ok || role != RoleAdmin {
		t.Fatalf("role = %q", role)
	}
	if token, ok := GetTokenFromContext(ctx); !ok || token != "tok" {
		t.Fatalf("token = %q", token)
	}
	if IsAdminContext(ctx) {
		t.Fatalf("role alone must not grant admin")
	}
	if !IsAdminContext(SetAdminInContext(ctx, true)) {
		t.Fatalf("expected admin context")
	}
}

func TestJwtRoundTrip(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	token, err := JwtGenerate("ops-1", RoleAdmin)
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}
	parsed, err := JwtValidate(token)
	if err != nil || !parsed.Valid {
		t.Fatalf("JwtValidate: %v", err)
	}
	claim := parsed.Claims.(*JwtCustomClaim)
	if claim.UserId != "ops-1" || claim.Role != RoleAdmin {
		t.Fatalf("claim = %+v", claim)
	}

	t.Setenv("API_SECRET", "other-secret")
	if _, err := JwtValidate(token); err == nil {
		t.Fatalf("token signed with another secret must not validate")
	}
}

func TestOpsKeyHash(t *testing.T) {
	hash, err := HashOpsKey("cron-key")
	if err != nil {
		t.Fatalf("HashOpsKey: %v", err)
	}
	if err := CompareOpsKey(string(hash), "cron-key"); err != nil {
		t.Fatalf("CompareOpsKey: %v", err)
	}
	if err := CompareOpsKey(string(hash), "wrong"); err == nil {
		t.Fatalf("wrong key accepted")
	}
}

func TestNormalizePayIdPhone(t *testing.T) {
	got, err := NormalizePayIdPhone("0412 345 678")
	if err != nil || got != "+61412345678" {
		t.Fatalf("NormalizePayIdPhone = %q, %v", got, err)
	}
	if _, err := NormalizePayIdPhone("12"); err == nil {
		t.Fatalf("expected invalid number error")
	}
}

func TestHelpers(t *testing.T) {
	if got := SplitAndTrim(" a, ,b ,"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("SplitAndTrim = %v", got)
	}
	if got := UniqueInts([]int{3, 1, 3, 2, 1}); fmt.Sprint(got) != "[3 1 2]" {
		t.Fatalf("UniqueInts = %v", got)
	}
	if got := SortedKeys(map[string]int{"b": 1, "a": 2}); fmt.Sprint(got) != "[a b]" {
		t.Fatalf("SortedKeys = %v", got)
	}
	at := time.Date(2026, 10, 17, 23, 0, 0, 0, time.FixedZone("AEDT", 11*3600))
	if got := ExportObjectName("/payouts/", at, "x.xlsx"); got != "payouts/2026/10/17/x.xlsx" {
		t.Fatalf("ExportObjectName = %q", got)
	}
	if DerefString(nil) != "" || DerefString(NewString("v")) != "v" {
		t.Fatalf("DerefString mismatch")
	}
}
