// Command shardserver is the presence/proximity/signaling process: the
// admission HTTP front door, the per-cell shard actors, and the relay
// credential resolver, wired together behind one HTTP listener.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"worldshard/internal/admission"
	"worldshard/internal/config"
	"worldshard/internal/devtls"
	"worldshard/internal/httpapi"
	"worldshard/internal/metrics"
	"worldshard/internal/relay"
	"worldshard/internal/shard"
)

// Version is stamped at build time via -ldflags, defaulting to "dev".
var Version = "dev"

// turnCacheTTLFromEnv reads TURN_CACHE_TTL_SECONDS; zero (including unset
// or unparsable) leaves the flag default to HTTPCredentialFetcher's own
// fallback.
func turnCacheTTLFromEnv() time.Duration {
	secs, err := strconv.Atoi(os.Getenv("TURN_CACHE_TTL_SECONDS"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	addr := flag.String("addr", ":8443", "HTTP/WebSocket listen address")
	dbPath := flag.String("db", "shardserver.db", "SQLite path for the feature-flag/relay-credential config store")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed dev TLS certificate validity")
	certRotateInterval := flag.Duration("cert-rotate-interval", 12*time.Hour, "how often the self-signed dev TLS certificate is regenerated in the background, without restarting the listener")
	useTLS := flag.Bool("tls", false, "serve over TLS using a generated self-signed dev certificate")
	tlsHostnames := flag.String("tls-hostnames", "", "comma-separated extra hostnames to add as certificate SANs, beyond the listen address and localhost (e.g. hostnames the admission handler may see via X-Forwarded-Host)")
	idleTimeout := flag.Duration("idle-timeout", 30*time.Second, "HTTP idle timeout")
	sfuEnabled := flag.Bool("sfu", false, "advertise transportMode=\"sfu\" in /join responses (env FEATURE_SFU_ENABLED overrides)")
	iceServersJSON := flag.String("ice-servers-json", os.Getenv("ICE_SERVERS_JSON"), "static JSON-encoded ICE server list fallback")
	turnAPIURL := flag.String("turn-api-url", os.Getenv("TURN_API_URL"), "third-party TURN credential endpoint")
	turnTokenID := flag.String("turn-token-id", os.Getenv("TURN_TOKEN_ID"), "TURN credential token id")
	turnAPIToken := flag.String("turn-api-token", os.Getenv("TURN_API_TOKEN"), "TURN credential API token")
	turnCacheTTL := flag.Duration("turn-cache-ttl", turnCacheTTLFromEnv(), "fallback TTL for TURN credentials whose response omits one (env TURN_CACHE_TTL_SECONDS)")
	flag.Parse()

	logger := slog.Default()

	cfgStore, err := config.Open(*dbPath)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	defer cfgStore.Close()

	registry := shard.NewRegistry(logger)
	defer registry.Close()

	staticList, err := relay.ParseStaticList(*iceServersJSON)
	if err != nil {
		log.Fatalf("[relay] %v", err)
	}

	var fetch relay.CredentialFetcher
	if turnAPIURL != nil && *turnAPIURL != "" && *turnTokenID != "" && *turnAPIToken != "" {
		fetch = relay.HTTPCredentialFetcher(nil, *turnAPIURL, *turnTokenID, *turnAPIToken, *turnCacheTTL)
		log.Printf("[relay] third-party TURN credential source configured: %s", *turnAPIURL)
	}
	resolver := relay.NewResolver(fetch, staticList, cfgStore)

	sfuEnabledFn := func() bool {
		if v, ok, err := cfgStore.FeatureFlag("feature:voice:transport:sfu"); err == nil && ok {
			return v == "true"
		}
		if os.Getenv("FEATURE_SFU_ENABLED") != "" {
			return os.Getenv("FEATURE_SFU_ENABLED") == "true"
		}
		return *sfuEnabled
	}

	handler := admission.NewHandler(admission.Config{
		Registry:   registry,
		Relay:      resolver,
		SFUEnabled: sfuEnabledFn,
	})
	app := httpapi.New(handler, registry)

	httpServer := &http.Server{
		Addr:        *addr,
		Handler:     app.Handler(),
		IdleTimeout: *idleTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *useTLS {
		tlsHostname := ""
		if host, _, err := net.SplitHostPort(*addr); err == nil {
			tlsHostname = host
		}
		hostnames := []string{tlsHostname}
		for _, h := range strings.Split(*tlsHostnames, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hostnames = append(hostnames, h)
			}
		}
		rotator, err := devtls.NewRotator(ctx, *certValidity, *certRotateInterval, hostnames...)
		if err != nil {
			log.Fatalf("[devtls] %v", err)
		}
		log.Printf("[devtls] certificate fingerprint: %s", rotator.Fingerprint())
		httpServer.TLSConfig = rotator.TLSConfig()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[shardserver] shutting down...")
		cancel()
		_ = httpServer.Shutdown(context.Background())
	}()

	go metrics.Run(ctx, registry, 5*time.Second)

	log.Printf("[shardserver] listening on %s (tls=%v)", *addr, *useTLS)
	var serveErr error
	if *useTLS {
		serveErr = httpServer.ListenAndServeTLS("", "")
	} else {
		serveErr = httpServer.ListenAndServe()
	}
	if serveErr != nil && serveErr != http.ErrServerClosed {
		log.Fatalf("[shardserver] %v", serveErr)
	}
}
