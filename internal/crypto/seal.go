package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealInfo = "ridewire-queue-seal-v1"

// MinSealSecret is the minimum secret length accepted by NewSealer.
const MinSealSecret = 32

var (
	ErrSealSecretTooShort = errors.New("seal secret too short")
	ErrSealedTooShort     = errors.New("sealed record too short")
	ErrUnseal             = errors.New("unseal failed: wrong key or tampered record")
)

// Sealer encrypts records at rest with XChaCha20-Poly1305 under a key
// derived from a shared secret. Every instance configured with the same
// secret can open records sealed by any other.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the record key from secret with HKDF-SHA256.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) < MinSealSecret {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrSealSecretTooShort, MinSealSecret, len(secret))
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sealInfo)), key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext bound to aad. Wire format: nonce[24] + ciphertext.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. aad must match the value used to seal.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, ErrSealedTooShort
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, ErrUnseal
	}
	return plaintext, nil
}
