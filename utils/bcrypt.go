package utils

import "golang.org/x/crypto/bcrypt"

// HashOpsKey produces the value stored in OPS_API_KEY_HASH.
func HashOpsKey(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
}

// CompareOpsKey checks a presented cron/ops key against its bcrypt hash.
func CompareOpsKey(hashed string, presented string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(presented))
}
