// Package devtls mints and rotates a self-signed TLS certificate for the
// shard server's WebSocket listener when no externally-issued certificate
// is supplied. TLS termination at the edge is normally handled upstream,
// but a dev certificate is still useful to run the shard server locally
// over wss://.
//
// Unlike a one-shot dev certificate, Rotator treats the certificate itself
// as a short-lived credential and regenerates it on a fixed cadence for
// the life of the process — the same shape as the session token minted by
// the admission handler (shard.PendingSessionTTL) and the cached relay
// credentials in internal/relay: a capability with a bounded lifetime,
// refreshed in the background rather than trusted indefinitely. A long-
// running shard server one `/join` hands an endpoint out to, potentially
// spanning several forwarded hostnames (see admission.Handler's
// X-Forwarded-Host handling), also needs its certificate's SANs to cover
// every hostname the process is reachable as, not just the literal listen
// address — Generate accepts all of them.
package devtls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"log"
	"math/big"
	"sync/atomic"
	"time"
)

// Generate creates a self-signed ECDSA P-256 certificate valid for the
// given duration. The first non-empty hostname other than "localhost"
// becomes the certificate's Common Name (default "worldshard"); every
// distinct hostname passed is added to its DNS SANs
// alongside "localhost", so one certificate validates across all of a
// shard server's known forwarded hostnames. Returns the resulting
// tls.Config and the certificate's SHA-256 fingerprint (hex).
func Generate(validity time.Duration, hostnames ...string) (*tls.Config, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("devtls: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("devtls: generate serial: %w", err)
	}

	cn := "worldshard"
	sans := []string{"localhost"}
	seen := map[string]bool{"localhost": true}
	for _, h := range hostnames {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if cn == "worldshard" && len(sans) == 1 {
			cn = h
		}
		sans = append(sans, h)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("devtls: create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, "", fmt.Errorf("devtls: parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)
	fingerprint := hex.EncodeToString(fp[:])

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        cert,
	}
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}}, fingerprint, nil
}

// Rotator serves a self-signed certificate that regenerates itself on a
// fixed cadence without requiring the listener to restart. validity bounds
// each individual certificate's lifetime; rotateEvery (which should be
// comfortably shorter than validity) is how often a fresh one replaces it.
type Rotator struct {
	validity  time.Duration
	hostnames []string

	cert        atomic.Pointer[tls.Certificate]
	fingerprint atomic.Pointer[string]
}

// NewRotator mints an initial certificate, starts a background rotation
// loop that regenerates it every rotateEvery until ctx is canceled, and
// returns once the first certificate is ready.
func NewRotator(ctx context.Context, validity, rotateEvery time.Duration, hostnames ...string) (*Rotator, error) {
	r := &Rotator{validity: validity, hostnames: hostnames}
	if err := r.rotate(); err != nil {
		return nil, err
	}
	go r.loop(ctx, rotateEvery)
	return r, nil
}

func (r *Rotator) rotate() error {
	cfg, fp, err := Generate(r.validity, r.hostnames...)
	if err != nil {
		return err
	}
	cert := cfg.Certificates[0]
	r.cert.Store(&cert)
	r.fingerprint.Store(&fp)
	log.Printf("[devtls] rotated certificate, fingerprint=%s", fp)
	return nil
}

func (r *Rotator) loop(ctx context.Context, rotateEvery time.Duration) {
	ticker := time.NewTicker(rotateEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.rotate(); err != nil {
				log.Printf("[devtls] rotation failed, keeping current certificate: %v", err)
			}
		}
	}
}

// Fingerprint returns the SHA-256 fingerprint (hex) of the certificate
// currently being served.
func (r *Rotator) Fingerprint() string {
	if fp := r.fingerprint.Load(); fp != nil {
		return *fp
	}
	return ""
}

// TLSConfig returns a *tls.Config whose GetCertificate always resolves to
// the Rotator's current certificate, so a rotation takes effect on the
// next handshake without the listener itself being recreated.
func (r *Rotator) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := r.cert.Load()
			if cert == nil {
				return nil, fmt.Errorf("devtls: no certificate available yet")
			}
			return cert, nil
		},
	}
}
