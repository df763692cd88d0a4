// Package main is a utility for minting bearer tokens for the audit API.
// The engine only verifies tokens; it never issues them at runtime. This tool
// signs a token with the shared secret so developers and operators can call
// the API without standing up the issuing service. The secret comes from
// CHA_AUTH_JWT_SECRET, matching the server's own configuration key.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/contracthub/audit-engine/internal/auth"
)

func main() {
	actorID := flag.String("actor", "dev-local", "actor id embedded in the token")
	admin := flag.Bool("admin", false, "grant the admin claim")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	issuer := flag.String("issuer", "contracthub", "token issuer claim")
	flag.Parse()

	secret := os.Getenv("CHA_AUTH_JWT_SECRET")
	if secret == "" {
		log.Fatal("CHA_AUTH_JWT_SECRET is not set")
	}

	verifier, err := auth.NewVerifier(secret, *issuer)
	if err != nil {
		log.Fatalf("Failed to create verifier: %v", err)
	}

	token, err := verifier.GenerateToken(*actorID, *admin, *ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	fmt.Println(token)
}
