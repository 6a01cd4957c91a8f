package utils

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// PayID phone numbers are Australian unless they carry their own country prefix.
var CountryCode = "AU"

// NormalizePayIdPhone returns the E.164 form PayTo rails expect ("+61412345678").
func NormalizePayIdPhone(phoneNumber string) (string, error) {
	p, err := libphonenumber.Parse(strings.TrimSpace(phoneNumber), CountryCode)
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", fmt.Errorf("phone number is not valid")
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

func NewString(s string) *string {
	return &s
}

// DerefString returns "" for nil.
func DerefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// UniqueInts keeps the first occurrence order.
func UniqueInts(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func SplitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
