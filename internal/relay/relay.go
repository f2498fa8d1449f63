// Package relay resolves the list of ICE-style relay servers (STUN/TURN
// equivalents) handed back to a client on successful admission: a built-in
// STUN default, replaced by configured credentials when any are available,
// with third-party credentials cached across process restarts.
package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"worldshard/internal/config"
)

// Server is one relay endpoint handed to the client. The wire shape allows
// urls to be either a single string or an array of strings; Server always
// normalizes to URLs.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func (s Server) valid() bool {
	return len(s.URLs) > 0
}

// UnmarshalJSON accepts urls as either a JSON string or a JSON array of
// strings. Any other shape (or a missing urls field) unmarshals to an
// invalid (empty-URLs) Server rather than failing the whole array, so a
// single malformed entry doesn't take down its siblings once run through
// filterValid.
func (s *Server) UnmarshalJSON(data []byte) error {
	var shape struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username,omitempty"`
		Credential string          `json:"credential,omitempty"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return err
	}
	s.Username = shape.Username
	s.Credential = shape.Credential
	s.URLs = nil

	if len(shape.URLs) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(shape.URLs, &single); err == nil {
		s.URLs = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(shape.URLs, &many); err == nil {
		s.URLs = many
	}
	return nil
}

// defaultSTUN is the built-in fallback used when nothing else is configured.
var defaultSTUN = Server{URLs: []string{"stun:stun.l.google.com:19302"}}

const (
	minCacheTTL = 5 * time.Second
	maxCacheTTL = time.Hour
	fallbackTTL = 60 * time.Second
)

// CredentialFetcher requests fresh relay credentials from a third-party
// provider. Implementations typically POST to a TURN credential endpoint.
type CredentialFetcher func() ([]Server, time.Duration, error)

// Resolver resolves the relay-server list for /join responses, following
// the fallback chain: cached/fresh third-party credentials -> static
// configured list -> built-in STUN default.
type Resolver struct {
	fetch  CredentialFetcher
	static []Server
	cache  *config.Store

	mu        sync.Mutex
	inFlight  bool
	inFlightC chan struct{}
}

// NewResolver builds a Resolver. fetch may be nil (no third-party
// credential source configured); static may be empty.
func NewResolver(fetch CredentialFetcher, static []Server, cache *config.Store) *Resolver {
	return &Resolver{fetch: fetch, static: filterValid(static), cache: cache}
}

func filterValid(in []Server) []Server {
	out := make([]Server, 0, len(in))
	for _, s := range in {
		if s.valid() {
			out = append(out, s)
		}
	}
	return out
}

// Resolve returns the relay-server list to hand to a client, applying the
// fallback chain and consulting/refreshing the cache as needed.
func (r *Resolver) Resolve() []Server {
	if r.fetch != nil {
		if servers, ok := r.fromCacheOrFetch(); ok && len(servers) > 0 {
			return servers
		}
	}
	if len(r.static) > 0 {
		return r.static
	}
	return []Server{defaultSTUN}
}

func (r *Resolver) fromCacheOrFetch() ([]Server, bool) {
	now := time.Now()
	if r.cache != nil {
		if raw, ok, err := r.cache.CachedRelayCredentials(now); err == nil && ok {
			var servers []Server
			if err := json.Unmarshal([]byte(raw), &servers); err == nil {
				return filterValid(servers), true
			}
		}
	}

	servers, ttl, err := r.singleflightFetch()
	if err != nil {
		return nil, false
	}
	servers = filterValid(servers)
	if len(servers) == 0 {
		return nil, false
	}

	if ttl < minCacheTTL {
		ttl = minCacheTTL
	}
	if ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}
	if r.cache != nil {
		if raw, err := json.Marshal(servers); err == nil {
			_ = r.cache.SetCachedRelayCredentials(string(raw), now.Add(ttl))
		}
	}
	return servers, true
}

// singleflightFetch ensures concurrent Resolve calls don't thunder-herd the
// third-party credential endpoint: only one fetch is in flight at a time,
// and late arrivals wait for it rather than issuing their own request.
func (r *Resolver) singleflightFetch() ([]Server, time.Duration, error) {
	r.mu.Lock()
	if r.inFlight {
		ch := r.inFlightC
		r.mu.Unlock()
		<-ch
		return nil, 0, fmt.Errorf("relay: concurrent fetch result not shared, retry")
	}
	r.inFlight = true
	r.inFlightC = make(chan struct{})
	r.mu.Unlock()

	servers, ttl, err := r.fetch()

	r.mu.Lock()
	r.inFlight = false
	close(r.inFlightC)
	r.mu.Unlock()

	return servers, ttl, err
}

// HTTPCredentialFetcher builds a CredentialFetcher that POSTs to a
// third-party TURN credential endpoint, requesting a 24 h credential
// lifetime ({"ttl":86400}); the returned credentials are
// short-lived and must be refreshed once their TTL expires. defaultTTL is
// used when the endpoint's response omits a ttl (TURN_CACHE_TTL_SECONDS);
// zero selects the package's own fallback.
func HTTPCredentialFetcher(client *http.Client, url, tokenID, apiToken string, defaultTTL time.Duration) CredentialFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if defaultTTL <= 0 {
		defaultTTL = fallbackTTL
	}
	return func() ([]Server, time.Duration, error) {
		req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(`{"ttl":86400}`))
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+apiToken)
		req.Header.Set("X-Token-ID", tokenID)
		resp, err := client.Do(req)
		if err != nil {
			return nil, 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return nil, 0, fmt.Errorf("relay: credential fetch status %d", resp.StatusCode)
		}
		var body struct {
			IceServers []Server `json:"iceServers"`
			TTL        int      `json:"ttl"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, 0, err
		}
		ttl := time.Duration(body.TTL) * time.Second
		if ttl <= 0 {
			ttl = defaultTTL
		}
		return body.IceServers, ttl, nil
	}
}

// ParseStaticList parses the ICE_SERVERS_JSON configuration value.
func ParseStaticList(raw string) ([]Server, error) {
	if raw == "" {
		return nil, nil
	}
	var servers []Server
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, fmt.Errorf("relay: invalid ICE_SERVERS_JSON: %w", err)
	}
	return filterValid(servers), nil
}
