package sealbox

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestSealUnsealRoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("tskey-auth-abc123")

	token, err := Seal(&key.PublicKey, "host-1", "moltlets:cattle-x:bootstrap:alice", plaintext)
	require.NoError(t, err)

	got, err := Unseal(key, "moltlets:cattle-x:bootstrap:alice", token)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestUnsealWrongScopeFails(t *testing.T) {
	key := testKey(t)

	token, err := Seal(&key.PublicKey, "host-1", "moltlets:cattle-x:bootstrap:alice", []byte("secret"))
	require.NoError(t, err)

	_, err = Unseal(key, "moltlets:cattle-y:bootstrap:alice", token)
	assert.Error(t, err, "a different scope must fail authentication")
}

func TestUnsealWrongKeyFails(t *testing.T) {
	sealKey := testKey(t)
	otherKey := testKey(t)

	token, err := Seal(&sealKey.PublicKey, "host-1", "scope", []byte("secret"))
	require.NoError(t, err)

	_, err = Unseal(otherKey, "scope", token)
	assert.Error(t, err)
}

func TestSealInputValidation(t *testing.T) {
	key := testKey(t)

	_, err := Seal(nil, "host-1", "scope", []byte("x"))
	assert.Error(t, err)

	_, err = Seal(&key.PublicKey, "", "scope", []byte("x"))
	assert.Error(t, err)

	_, err = Seal(&key.PublicKey, "host-1", "", []byte("x"))
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	key := testKey(t)

	token, err := Seal(&key.PublicKey, "host-7", "scope", []byte("x"))
	require.NoError(t, err)

	env, err := Decode(token)
	require.NoError(t, err)
	assert.Equal(t, Version, env.Version)
	assert.Equal(t, Alg, env.Alg)
	assert.Equal(t, "host-7", env.KeyID)

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := Decode("not base64url!!")
		assert.Error(t, err)

		_, err = Decode(base64.RawURLEncoding.EncodeToString([]byte("not json")))
		assert.Error(t, err)
	})

	t.Run("rejects unknown version", func(t *testing.T) {
		raw := base64.RawURLEncoding.EncodeToString([]byte(`{"v":9,"alg":"RSA-OAEP-256+A256GCM"}`))
		_, err := Decode(raw)
		assert.Error(t, err)
	})

	t.Run("rejects unknown algorithm", func(t *testing.T) {
		raw := base64.RawURLEncoding.EncodeToString([]byte(`{"v":1,"alg":"XSALSA20"}`))
		_, err := Decode(raw)
		assert.Error(t, err)
	})
}

func TestTokenConstraintsValidate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name        string
		constraints TokenConstraints
		wantErr     error
	}{
		{
			name:        "valid one-time token inside ceiling",
			constraints: TokenConstraints{OneTime: true, ExpiresAt: now.Add(10 * time.Minute), MaxTTL: MaxBootstrapTokenTTL},
		},
		{
			name:        "reusable token refused",
			constraints: TokenConstraints{OneTime: false, ExpiresAt: now.Add(5 * time.Minute), MaxTTL: MaxBootstrapTokenTTL},
			wantErr:     ErrTokenNotOneTime,
		},
		{
			name:        "over ceiling refused",
			constraints: TokenConstraints{OneTime: true, ExpiresAt: now.Add(2 * time.Hour), MaxTTL: MaxTailnetKeyTTL},
			wantErr:     ErrTokenTTLExceeded,
		},
		{
			name:        "already expired refused",
			constraints: TokenConstraints{OneTime: true, ExpiresAt: now.Add(-time.Minute), MaxTTL: MaxBootstrapTokenTTL},
			wantErr:     ErrTokenTTLExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.constraints.Validate(now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestSealTokenRefusesBeforeCiphertext(t *testing.T) {
	key := testKey(t)

	token, err := SealToken(&key.PublicKey, "host-1", "scope", []byte("secret"), TokenConstraints{
		OneTime:   false,
		ExpiresAt: time.Now().Add(5 * time.Minute),
		MaxTTL:    MaxBootstrapTokenTTL,
	})
	assert.ErrorIs(t, err, ErrTokenNotOneTime)
	assert.Empty(t, token, "no envelope may exist for a refused credential")
}
