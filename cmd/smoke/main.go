// Package main is a smoke-test utility that verifies the audit engine's HTTP
// API is reachable and returning valid responses. It posts a mutation event
// and then reads the entity's trail, printing status codes and bodies, making
// it useful for quick post-deployment checks without needing external tooling
// like curl or a full integration test suite. Pass a bearer token via
// SMOKE_TOKEN when auth is enabled.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

const baseURL = "http://localhost:8080/api/v1"

func main() {
	event := `{
		"entity_type": "CONTRACT",
		"entity_id": "smoke-test-1",
		"action": "UPDATE",
		"old_values": {"status": "draft"},
		"new_values": {"status": "active"},
		"track_versions": true
	}`

	status, body, err := do("POST", baseURL+"/events", event)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("POST /events: %d\n%s\n", status, body)

	status, body, err = do("GET", baseURL+"/trail/CONTRACT/smoke-test-1", "")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("GET /trail: %d\n%s\n", status, body)
}

func do(method, url, payload string) (int, string, error) {
	var body io.Reader
	if payload != "" {
		body = strings.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return 0, "", err
	}
	if payload != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := os.Getenv("SMOKE_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(data), nil
}
