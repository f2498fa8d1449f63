package admission

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"worldshard/internal/relay"
	"worldshard/internal/shard"
)

func newTestHandler(cfg Config) *Handler {
	if cfg.Registry == nil {
		cfg.Registry = shard.NewRegistry(nil)
	}
	if cfg.Relay == nil {
		cfg.Relay = relay.NewResolver(nil, nil, nil)
	}
	return NewHandler(cfg)
}

func doJoin(h *Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/join", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.NewEcho().ServeHTTP(rec, req)
	return rec
}

func TestJoinRejectsEmptyPlayerID(t *testing.T) {
	h := newTestHandler(Config{})
	rec := doJoin(h, `{"playerId":"  ","position":{"x":0,"y":0,"z":0}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank playerId, got %d", rec.Code)
	}
}

func TestJoinRejectsNonFinitePosition(t *testing.T) {
	h := newTestHandler(Config{})
	for _, body := range []string{
		`{"playerId":"p1","position":{"x":"NaN","y":0,"z":0}}`,
		`{"playerId":"p1","position":{"x":1e400,"y":0,"z":0}}`,
	} {
		rec := doJoin(h, body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for non-finite position %q, got %d", body, rec.Code)
		}
	}
}

func TestJoinRejectsFailedAuthVerification(t *testing.T) {
	h := newTestHandler(Config{
		VerifyAuthToken: func(playerID, authToken string) error {
			return errors.New("invalid token")
		},
	})
	rec := doJoin(h, `{"playerId":"p1","position":{"x":0,"y":0,"z":0},"authToken":"bogus"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for rejected auth, got %d", rec.Code)
	}
}

func TestJoinAdvertisesSFUWhenEnabled(t *testing.T) {
	h := newTestHandler(Config{SFUEnabled: func() bool { return true }})
	rec := doJoin(h, `{"playerId":"p1","position":{"x":0,"y":0,"z":0}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp JoinResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TransportMode != "sfu" {
		t.Fatalf("expected transportMode sfu, got %q", resp.TransportMode)
	}
}

func TestJoinDefaultsToP2PTransport(t *testing.T) {
	h := newTestHandler(Config{})
	rec := doJoin(h, `{"playerId":"p1","position":{"x":0,"y":0,"z":0}}`)
	var resp JoinResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TransportMode != "p2p" {
		t.Fatalf("expected transportMode p2p, got %q", resp.TransportMode)
	}
}

func TestJoinUsesWSSWhenForwardedProtoIsHTTPS(t *testing.T) {
	h := newTestHandler(Config{})
	req := httptest.NewRequest(http.MethodPost, "/join", bytes.NewReader([]byte(`{"playerId":"p1","position":{"x":0,"y":0,"z":0}}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	h.NewEcho().ServeHTTP(rec, req)

	var resp JoinResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got := resp.CellWebSocketURL; got == "" || got[:3] != "wss" {
		t.Fatalf("expected wss:// channel URL, got %q", got)
	}
}

func TestJoinMintsFreshSessionTokenPerCall(t *testing.T) {
	h := newTestHandler(Config{})
	first := doJoin(h, `{"playerId":"p1","position":{"x":0,"y":0,"z":0}}`)
	second := doJoin(h, `{"playerId":"p1","position":{"x":1,"y":1,"z":1}}`)

	var firstResp, secondResp JoinResponse
	json.Unmarshal(first.Body.Bytes(), &firstResp)
	json.Unmarshal(second.Body.Bytes(), &secondResp)

	if firstResp.SessionToken == secondResp.SessionToken {
		t.Fatalf("expected a fresh session token per /join call")
	}
}

func TestHealthReportsRegistryStats(t *testing.T) {
	registry := shard.NewRegistry(nil)
	defer registry.Close()
	h := newTestHandler(Config{Registry: registry})

	doJoin(h, `{"playerId":"p1","position":{"x":0,"y":0,"z":0}}`)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.NewEcho().ServeHTTP(rec, req)

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if resp.Status != "ok" || resp.Shards < 1 {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}
