// Package main is a development utility for generating an integrity key for
// the audit digest HMAC. It prints a 32-byte random key, base64url-encoded,
// ready to export as AUDIT_INTEGRITY_KEY. Generate the key once per
// environment and keep it stable: rotating it invalidates the digests of all
// previously written records, so a rotation requires re-verification tooling,
// not just a config change.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
)

func main() {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatal(err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(key)

	fmt.Println("==========================================================")
	fmt.Println("Integrity Key Generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nexport AUDIT_INTEGRITY_KEY=%s\n\n", encoded)
	fmt.Println("Store this key in your secret manager. Do not rotate it")
	fmt.Println("casually: existing record digests are keyed by it.")
	fmt.Println("==========================================================")
}
