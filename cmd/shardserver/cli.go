package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"worldshard/internal/admission"
)

// RunCLI handles subcommand execution, checked before flag.Parse so that
// e.g. "shardserver version" doesn't need the rest of the flag set defined
// first. Returns true if a subcommand was handled.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Printf("shardserver %s\n", Version)
		return true
	case "status":
		return cliStatus(args[1:])
	default:
		return false
	}
}

// cliStatus hits the running server's /health endpoint. The status
// subcommand has no server-side state of its own to fall back to: shard
// presence state is in-memory only, so an unreachable server simply
// reports unreachable rather than reading anything locally.
func cliStatus(args []string) bool {
	url := "http://localhost:8080/health"
	if len(args) > 0 {
		url = args[0]
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shard server unreachable at %s: %v\n", url, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var health admission.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(os.Stderr, "malformed health response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Status: %s\n", health.Status)
	fmt.Printf("Shards: %d\n", health.Shards)
	fmt.Printf("Connections: %d\n", health.Connections)
	fmt.Printf("Version: %s\n", Version)
	return true
}
