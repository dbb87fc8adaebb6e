// Package hsm plays the role of the PowerAuth server's master/personalized
// key custodian: activation responses and recovery postcards are
// countersigned with a key that, in a real deployment, never leaves a
// hardware security module. Adapted from the teacher's
// internal/security/hsm.go, trimmed to the ECDSA-P256 surface this
// protocol actually uses.
package hsm

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
)

// Provider is the interface the conformance-test harness and
// cmd/enrollmentserver use to sign/verify on behalf of the PowerAuth
// master server key and any per-activation personalized server keys —
// keys never leave the provider, only digests go in and signatures
// come out.
type Provider interface {
	GenerateKey(ctx context.Context, keyID string) error
	GetPublicKey(ctx context.Context, keyID string) (*ecdsa.PublicKey, error)
	DeleteKey(ctx context.Context, keyID string) error
	Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error)
	Verify(ctx context.Context, keyID string, digest, signature []byte) (bool, error)
	HealthCheck(ctx context.Context) error
}

// KeyMasterServer is the well-known key id for the PowerAuth master
// server key used to countersign activation responses (spec §4.3).
const KeyMasterServer = "master-server-key"

// SoftwareHSM is an in-memory Provider for local development and the
// conformance-test harness. It is explicitly not suitable for
// production use — a real deployment swaps this for a PKCS#11 or
// cloud-HSM-backed Provider without touching callers.
type SoftwareHSM struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

// NewSoftwareHSM returns an empty in-memory key store.
func NewSoftwareHSM() *SoftwareHSM {
	return &SoftwareHSM{keys: make(map[string]*ecdsa.PrivateKey)}
}

func (s *SoftwareHSM) GenerateKey(ctx context.Context, keyID string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyID] = key
	return nil
}

func (s *SoftwareHSM) GetPublicKey(ctx context.Context, keyID string) (*ecdsa.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("hsm: key not found: %s", keyID)
	}
	return &key.PublicKey, nil
}

func (s *SoftwareHSM) DeleteKey(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}

func (s *SoftwareHSM) Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("hsm: key not found: %s", keyID)
	}
	return ecdsa.SignASN1(rand.Reader, key, digest)
}

func (s *SoftwareHSM) Verify(ctx context.Context, keyID string, digest, signature []byte) (bool, error) {
	s.mu.RLock()
	key, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("hsm: key not found: %s", keyID)
	}
	return ecdsa.VerifyASN1(&key.PublicKey, digest, signature), nil
}

func (s *SoftwareHSM) HealthCheck(ctx context.Context) error { return nil }

// Signer wraps a Provider and a fixed keyID; internal/powerauth's
// ValidateActivationResponse consumes a raw DER signature over
// SHA-256(activationCode&activationID&base64(serverPublicKey)), which
// this type produces/checks.
type Signer struct {
	provider Provider
	keyID    string
}

func NewSigner(provider Provider, keyID string) *Signer {
	return &Signer{provider: provider, keyID: keyID}
}

func (s *Signer) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return s.provider.Sign(context.Background(), s.keyID, digest[:])
}

func (s *Signer) Verify(message, signature []byte) (bool, error) {
	digest := sha256.Sum256(message)
	return s.provider.Verify(context.Background(), s.keyID, digest[:], signature)
}

// PublicKey returns the raw *ecdsa.PublicKey for exporting as a
// compressed point into a powerauth.SessionSetup.
func (s *Signer) PublicKey(ctx context.Context) (*ecdsa.PublicKey, error) {
	return s.provider.GetPublicKey(ctx, s.keyID)
}
