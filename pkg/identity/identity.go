// Package identity provides the node's signing capability. The rest of
// the control plane consumes the CryptoService interface and never
// touches key material directly.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CryptoService is the signing/verification capability consumed by the
// gossip transport and quorum validator.
type CryptoService interface {
	Sign(data []byte) ([]byte, error)
	Verify(publicKey, data, signature []byte) bool
	PublicKey() []byte
}

var errBadKeyFile = errors.New("identity: malformed key file")

// Ed25519Service implements CryptoService over an ed25519 keypair.
type Ed25519Service struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a fresh keypair.
func Generate() (*Ed25519Service, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Ed25519Service{priv: priv, pub: pub}, nil
}

// NewFromSeed derives a deterministic keypair from a 32-byte seed.
// Used by tests; production nodes load or generate keys on disk.
func NewFromSeed(seed []byte) (*Ed25519Service, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Service{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// LoadOrGenerate reads the private key from path, generating and
// persisting one with 0600 permissions when the file does not exist.
func LoadOrGenerate(path string) (*Ed25519Service, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.SeedSize {
			return nil, errBadKeyFile
		}
		return NewFromSeed(raw)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	svc, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, svc.priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return svc, nil
}

// Sign signs data with the node's private key.
func (s *Ed25519Service) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

// Verify checks a signature against an arbitrary public key.
func (s *Ed25519Service) Verify(publicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}

// PublicKey returns the node's public key bytes.
func (s *Ed25519Service) PublicKey() []byte {
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out
}
