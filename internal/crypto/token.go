package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/eldtechnologies/ridewire/internal/models"
)

// Bearer credential wire format: base64url(CBOR claims || Ed25519 signature).
// Deterministic CBOR keeps the signed bytes stable for identical claims.

var (
	ErrTokenMalformed   = errors.New("token malformed")
	ErrTokenTooShort    = errors.New("token too short for signature")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
	ErrInvalidClaims    = errors.New("token claims invalid")
)

// Claims are the signed contents of a bearer credential.
type Claims struct {
	Subject     string      `cbor:"1,keyasint"`
	Kind        models.Kind `cbor:"2,keyasint"`
	Permissions []string    `cbor:"3,keyasint,omitempty"`
	ID          string      `cbor:"4,keyasint"`
	IssuedAt    int64       `cbor:"5,keyasint"`
	ExpiresAt   int64       `cbor:"6,keyasint"`
}

// Identity returns the principal described by the claims.
func (c *Claims) Identity() models.Identity {
	return models.Identity{ID: c.Subject, Kind: c.Kind, Permissions: c.Permissions}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crypto: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("crypto: CBOR decoder initialization failed: " + err.Error())
	}
}

// MintToken signs claims and returns the encoded bearer credential.
func MintToken(privateKey ed25519.PrivateKey, claims *Claims) (string, error) {
	if err := validateClaims(claims); err != nil {
		return "", err
	}
	payload, err := encMode.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode token claims: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)
	raw := make([]byte, 0, len(payload)+ed25519.SignatureSize)
	raw = append(raw, payload...)
	raw = append(raw, signature...)

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// TokenVerifier checks bearer credentials against a fixed public key.
type TokenVerifier struct {
	publicKey ed25519.PublicKey
	now       func() time.Time
	leeway    time.Duration
}

// NewTokenVerifier creates a verifier. now may be nil for wall-clock time.
func NewTokenVerifier(publicKey ed25519.PublicKey, now func() time.Time) *TokenVerifier {
	if now == nil {
		now = time.Now
	}
	return &TokenVerifier{publicKey: publicKey, now: now, leeway: 30 * time.Second}
}

// Verify decodes the credential, checks its signature and validity window,
// and returns the identity it names.
func (v *TokenVerifier) Verify(token string) (models.Identity, error) {
	claims, err := v.VerifyClaims(token)
	if err != nil {
		return models.Identity{}, err
	}
	return claims.Identity(), nil
}

// VerifyClaims is Verify returning the raw claims.
func (v *TokenVerifier) VerifyClaims(token string) (*Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64url encoding", ErrTokenMalformed)
	}
	if len(raw) <= ed25519.SignatureSize {
		return nil, ErrTokenTooShort
	}

	split := len(raw) - ed25519.SignatureSize
	payload, signature := raw[:split], raw[split:]
	if !ed25519.Verify(v.publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var claims Claims
	if err := decMode.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if err := validateClaims(&claims); err != nil {
		return nil, err
	}

	now := v.now()
	if now.Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if claims.IssuedAt > now.Add(v.leeway).Unix() {
		return nil, ErrTokenNotYetValid
	}
	return &claims, nil
}

func validateClaims(c *Claims) error {
	if c.Subject == "" {
		return fmt.Errorf("%w: missing subject", ErrInvalidClaims)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidClaims, c.Kind)
	}
	if c.ExpiresAt <= c.IssuedAt {
		return fmt.Errorf("%w: expiry before issue time", ErrInvalidClaims)
	}
	return nil
}
