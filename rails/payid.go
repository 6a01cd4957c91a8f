package rails

import (
	"regexp"
	"strings"

	"github.com/mmdatafocus/kickback_backend/utils"
)

type PayIdType string

const (
	PayIdEmail PayIdType = "EMAIL"
	PayIdPhone PayIdType = "PHONE"
	PayIdABN   PayIdType = "ABN"
)

var nonDigits = regexp.MustCompile(`\D`)

// DetectPayIdType: anything with "@" is an email. A leading "+" or a number libphonenumber accepts
// as Australian is a phone; otherwise 11 digits is an ABN and 8 or more digits a phone.
func DetectPayIdType(payId string) (PayIdType, bool) {
	v := strings.TrimSpace(payId)
	if v == "" {
		return "", false
	}
	if strings.Contains(v, "@") {
		return PayIdEmail, true
	}
	digits := nonDigits.ReplaceAllString(v, "")
	if len(digits) < 8 {
		return "", false
	}
	if strings.HasPrefix(v, "+") {
		return PayIdPhone, true
	}
	if _, err := utils.NormalizePayIdPhone(v); err == nil {
		return PayIdPhone, true
	}
	if len(digits) == 11 {
		return PayIdABN, true
	}
	return PayIdPhone, true
}

// NormalizePayId returns the value to send for a detected type. Phones that libphonenumber
// cannot parse are sent trimmed, as entered.
func NormalizePayId(payId string, t PayIdType) string {
	v := strings.TrimSpace(payId)
	switch t {
	case PayIdPhone:
		if e164, err := utils.NormalizePayIdPhone(v); err == nil {
			return e164
		}
	case PayIdEmail:
		return strings.ToLower(v)
	case PayIdABN:
		return nonDigits.ReplaceAllString(v, "")
	}
	return v
}
