// ops-credentials prints what the ops endpoints accept: a bcrypt hash to put in
// OPS_API_KEY_HASH for a cron key, and/or a signed admin bearer token.
//
// Usage:
//   API_SECRET=... go run ./cmd/ops-credentials -key "<cron key>" -admin ops@example.com
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/kickback_backend/utils"
)

func main() {
	key := flag.String("key", "", "Cron ops key to hash for OPS_API_KEY_HASH")
	admin := flag.String("admin", "", "User id to issue an admin token for")
	flag.Parse()

	if strings.TrimSpace(*key) == "" && strings.TrimSpace(*admin) == "" {
		fmt.Fprintln(os.Stderr, "--key or --admin is required")
		os.Exit(1)
	}

	if k := strings.TrimSpace(*key); k != "" {
		hashed, err := utils.HashOpsKey(k)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to hash key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("OPS_API_KEY_HASH=%s\n", hashed)
	}

	if a := strings.TrimSpace(*admin); a != "" {
		token, err := utils.JwtGenerate(a, utils.RoleAdmin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Authorization: Bearer %s\n", token)
	}
}
