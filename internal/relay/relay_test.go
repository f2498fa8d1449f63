package relay

import (
	"encoding/json"
	"testing"
	"time"

	"worldshard/internal/config"
)

func TestResolveFallsBackToBuiltinSTUN(t *testing.T) {
	r := NewResolver(nil, nil, nil)
	servers := r.Resolve()
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("expected built-in STUN fallback, got %+v", servers)
	}
}

func TestResolvePrefersStaticOverDefault(t *testing.T) {
	r := NewResolver(nil, []Server{{URLs: []string{"stun:example.com:3478"}}}, nil)
	servers := r.Resolve()
	if len(servers) != 1 || servers[0].URLs[0] != "stun:example.com:3478" {
		t.Fatalf("expected static list, got %+v", servers)
	}
}

func TestResolvePrefersFetchedOverStatic(t *testing.T) {
	fetch := func() ([]Server, time.Duration, error) {
		return []Server{{URLs: []string{"turn:fetched.example.com"}, Username: "u", Credential: "c"}}, time.Minute, nil
	}
	r := NewResolver(fetch, []Server{{URLs: []string{"stun:example.com:3478"}}}, nil)
	servers := r.Resolve()
	if len(servers) != 1 || servers[0].URLs[0] != "turn:fetched.example.com" {
		t.Fatalf("expected fetched list, got %+v", servers)
	}
}

func TestResolveFallsBackOnFetchError(t *testing.T) {
	fetch := func() ([]Server, time.Duration, error) {
		return nil, 0, errFetchFailed
	}
	r := NewResolver(fetch, []Server{{URLs: []string{"stun:example.com:3478"}}}, nil)
	servers := r.Resolve()
	if len(servers) != 1 || servers[0].URLs[0] != "stun:example.com:3478" {
		t.Fatalf("expected static fallback on fetch error, got %+v", servers)
	}
}

func TestInvalidEntriesAreFiltered(t *testing.T) {
	servers := filterValid([]Server{{URLs: nil}, {URLs: []string{"stun:ok.example.com"}}})
	if len(servers) != 1 {
		t.Fatalf("expected invalid entry filtered, got %+v", servers)
	}
}

func TestCredentialsSurviveRestartViaCache(t *testing.T) {
	store, err := config.Open(":memory:")
	if err != nil {
		t.Fatalf("config.Open: %v", err)
	}
	defer store.Close()

	calls := 0
	fetch := func() ([]Server, time.Duration, error) {
		calls++
		return []Server{{URLs: []string{"turn:fetched.example.com"}}}, time.Hour, nil
	}

	r1 := NewResolver(fetch, nil, store)
	r1.Resolve()

	// A fresh resolver instance ("restart") reusing the same cache should
	// not need to re-fetch while the cached entry is still valid.
	r2 := NewResolver(fetch, nil, store)
	r2.Resolve()

	if calls != 1 {
		t.Fatalf("expected cache to prevent a second fetch across restarts, got %d calls", calls)
	}
}

func TestServerUnmarshalsStringOrArrayURLs(t *testing.T) {
	var single Server
	if err := json.Unmarshal([]byte(`{"urls":"stun:one.example.com"}`), &single); err != nil {
		t.Fatalf("unmarshal single urls: %v", err)
	}
	if len(single.URLs) != 1 || single.URLs[0] != "stun:one.example.com" {
		t.Fatalf("unexpected URLs: %+v", single.URLs)
	}

	var servers []Server
	raw := `[{"urls":"stun:a.example.com"},{"urls":["turn:b.example.com","turn:c.example.com"]},{"urls":123}]`
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		t.Fatalf("unmarshal mixed-shape array: %v", err)
	}
	servers = filterValid(servers)
	if len(servers) != 2 {
		t.Fatalf("expected 2 valid entries (malformed one filtered), got %+v", servers)
	}
	if servers[0].URLs[0] != "stun:a.example.com" {
		t.Fatalf("unexpected first entry: %+v", servers[0])
	}
	if len(servers[1].URLs) != 2 {
		t.Fatalf("unexpected second entry: %+v", servers[1])
	}
}

type fetchErr string

func (e fetchErr) Error() string { return string(e) }

var errFetchFailed = fetchErr("fetch failed")
