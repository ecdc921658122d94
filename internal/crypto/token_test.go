package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/ridewire/internal/models"
)

func newKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestMintAndVerify(t *testing.T) {
	pub, priv := newKeys(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	token, err := MintToken(priv, &Claims{
		Subject:     "driver-7",
		Kind:        models.KindFulfiller,
		Permissions: []string{"zones:write"},
		ID:          "tok-1",
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	v := NewTokenVerifier(pub, func() time.Time { return now.Add(time.Minute) })
	identity, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, models.Identity{ID: "driver-7", Kind: models.KindFulfiller, Permissions: []string{"zones:write"}}, identity)
}

func TestVerify_Rejections(t *testing.T) {
	pub, priv := newKeys(t)
	_, otherPriv := newKeys(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	claims := &Claims{Subject: "rider-1", Kind: models.KindRequester, ID: "t", IssuedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix()}
	good, err := MintToken(priv, claims)
	require.NoError(t, err)
	forged, err := MintToken(otherPriv, claims)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(good)
	require.NoError(t, err)
	raw[0] ^= 0xff
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	tests := []struct {
		name    string
		token   string
		at      time.Time
		wantErr error
	}{
		{"not base64", "%%%", now, ErrTokenMalformed},
		{"too short", base64.RawURLEncoding.EncodeToString([]byte("abc")), now, ErrTokenTooShort},
		{"wrong key", forged, now, ErrInvalidSignature},
		{"tampered payload", tampered, now, ErrInvalidSignature},
		{"expired", good, now.Add(2 * time.Hour), ErrTokenExpired},
		{"issued in the future", good, now.Add(-time.Hour), ErrTokenNotYetValid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := tt.at
			v := NewTokenVerifier(pub, func() time.Time { return at })
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMint_RejectsInvalidClaims(t *testing.T) {
	_, priv := newKeys(t)

	_, err := MintToken(priv, &Claims{Kind: models.KindRequester, IssuedAt: 1, ExpiresAt: 2})
	assert.ErrorIs(t, err, ErrInvalidClaims)

	_, err = MintToken(priv, &Claims{Subject: "x", Kind: "admin", IssuedAt: 1, ExpiresAt: 2})
	assert.ErrorIs(t, err, ErrInvalidClaims)

	_, err = MintToken(priv, &Claims{Subject: "x", Kind: models.KindOperator, IssuedAt: 5, ExpiresAt: 5})
	assert.ErrorIs(t, err, ErrInvalidClaims)
}

func TestKeyParsing(t *testing.T) {
	pub, priv := newKeys(t)

	parsedPub, err := ValidatePublicKey(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)
	assert.Equal(t, pub, parsedPub)

	_, err = ValidatePublicKey(base64.StdEncoding.EncodeToString(pub[:10]))
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	fromSeed, err := ParsePrivateKey(base64.StdEncoding.EncodeToString(priv.Seed()))
	require.NoError(t, err)
	assert.Equal(t, priv, fromSeed)

	full, err := ParsePrivateKey(base64.StdEncoding.EncodeToString(priv))
	require.NoError(t, err)
	assert.Equal(t, priv, full)
}

func TestIDs(t *testing.T) {
	a, b := NewUUIDv7(), NewUUIDv7()
	assert.NotEqual(t, a, b)
	assert.Equal(t, 7, int(a.Version()))
	assert.Len(t, NewULID(), 26)
}
