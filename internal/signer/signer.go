// Package signer defines the signing capability the trust-token services
// depend on. In production the implementation lives in the secret vault
// process; this package carries the interfaces plus a file-backed local
// implementation for development and tests.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

// Signer signs arbitrary bytes under a named domain. The domain names the
// purpose of the signature ("approval-v1", "session-v3"); implementations may
// refuse domains they do not recognize. Callers are responsible for composing
// payloads that embed their domain prefix, so a signature collected for one
// protocol can never verify under another.
type Signer interface {
	Sign(ctx context.Context, domain string, payload []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// Verifier checks a signature against a cached public key. Verification is
// purely local: no round trip to the vault on the request path.
type Verifier interface {
	Verify(payload, sig []byte) bool
}

// KnownDomains lists the signing domains this subsystem uses.
var KnownDomains = map[string]struct{}{
	"approval-v1": {},
	"session-v3":  {},
}

// Local is an in-process Ed25519 signer. It satisfies both Signer and
// Verifier and stands in for the vault in dev mode and tests.
type Local struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewLocal generates a fresh Ed25519 keypair.
func NewLocal() (*Local, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Local{priv: priv, pub: pub}, nil
}

// LoadOrCreateLocal reads the base64 Ed25519 seed at path, creating it with
// mode 0600 when absent.
func LoadOrCreateLocal(path string) (*Local, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, decErr := base64.StdEncoding.DecodeString(string(data))
		if decErr != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("corrupt signing seed at %s", path)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Local{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing seed: %w", err)
	}

	l, err := NewLocal()
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(l.priv.Seed())
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write signing seed: %w", err)
	}
	return l, nil
}

// Sign signs payload. The domain must be one this subsystem knows; an
// unrecognized domain is a programming error and fails rather than signing.
func (l *Local) Sign(_ context.Context, domain string, payload []byte) ([]byte, error) {
	if _, ok := KnownDomains[domain]; !ok {
		return nil, fmt.Errorf("refusing to sign under unknown domain %q", domain)
	}
	return ed25519.Sign(l.priv, payload), nil
}

// PublicKey returns the verification key.
func (l *Local) PublicKey() ed25519.PublicKey {
	return l.pub
}

// Verify checks sig over payload against the local public key.
func (l *Local) Verify(payload, sig []byte) bool {
	return ed25519.Verify(l.pub, payload, sig)
}

// CachedVerifier verifies against a public key obtained out of band (e.g. the
// token-exchange response). This is what a sidecar holds.
type CachedVerifier struct {
	pub ed25519.PublicKey
}

// NewCachedVerifier wraps a public key. It rejects keys of the wrong size so
// a truncated key fails closed at construction rather than at verify time.
func NewCachedVerifier(pub ed25519.PublicKey) (*CachedVerifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key length %d", len(pub))
	}
	return &CachedVerifier{pub: pub}, nil
}

func (v *CachedVerifier) Verify(payload, sig []byte) bool {
	return ed25519.Verify(v.pub, payload, sig)
}
