package utils

import (
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	last4Pattern        = regexp.MustCompile(`^\d{4}$`)
	referralCodePattern = regexp.MustCompile(`^[A-Z0-9]{4,8}$`)

	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("last4", func(fl validator.FieldLevel) bool {
			return IsValidLast4(fl.Field().String())
		})
		_ = validate.RegisterValidation("refcode", func(fl validator.FieldLevel) bool {
			v := fl.Field().String()
			return v == "" || IsValidReferralCode(v)
		})
	})
	return validate
}

func IsValidLast4(s string) bool {
	return last4Pattern.MatchString(s)
}

// IsValidReferralCode expects an already upper-cased code.
func IsValidReferralCode(s string) bool {
	return referralCodePattern.MatchString(s)
}

func NormalizeReferralCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ValidateStruct runs `validate:` tags and returns the first failure as a *ValidationError.
func ValidateStruct(v any) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		fe := validationErrors[0]
		return &ValidationError{Field: fe.Field(), Message: "failed " + fe.Tag() + " validation"}
	}
	return &ValidationError{Message: err.Error()}
}

// NormalizeLast4 keeps digits only and at most four of them.
func NormalizeLast4(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' && b.Len() < 4 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
