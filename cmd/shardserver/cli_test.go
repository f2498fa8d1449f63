package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"worldshard/internal/admission"
)

func TestRunCLIVersionIsHandled(t *testing.T) {
	if !RunCLI([]string{"version"}) {
		t.Fatal("expected version subcommand to be handled")
	}
}

func TestRunCLIUnknownSubcommandFallsThrough(t *testing.T) {
	if RunCLI([]string{"bogus"}) {
		t.Fatal("expected unknown subcommand to fall through to flag parsing")
	}
}

func TestRunCLINoArgsFallsThrough(t *testing.T) {
	if RunCLI(nil) {
		t.Fatal("expected no-args to fall through")
	}
}

func TestCliStatusReadsLiveHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(admission.HealthResponse{Status: "ok", Shards: 2, Connections: 5})
	}))
	defer srv.Close()

	if !RunCLI([]string{"status", srv.URL}) {
		t.Fatal("expected status subcommand to be handled")
	}
}
