package cattle

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regenrek/moltlets/pkg/sealbox"
)

func TestMintBootstrapToken(t *testing.T) {
	token, err := MintBootstrapToken("job-1", "alice", "cattle-x", []string{"ANTHROPIC_API_KEY"}, nil)
	require.NoError(t, err)

	assert.True(t, token.OneTime)
	assert.NotEmpty(t, token.Token)
	assert.Equal(t, "moltlets:cattle-x:bootstrap:alice", token.Scope())
	assert.WithinDuration(t, time.Now().Add(BootstrapTokenTTL), token.ExpiresAt, 5*time.Second)

	// Two mints never share a secret.
	other, err := MintBootstrapToken("job-1", "alice", "cattle-x", nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, token.Token, other.Token)
}

func TestBootstrapTokenSealRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	recipient := &Recipient{PublicKey: &key.PublicKey, KeyID: "host-1"}

	token, err := MintBootstrapToken("job-1", "alice", "cattle-x", []string{"ANTHROPIC_API_KEY"}, map[string]string{"REGION": "eu"})
	require.NoError(t, err)

	sealed, err := token.Seal(recipient)
	require.NoError(t, err)

	plaintext, err := sealbox.Unseal(key, token.Scope(), sealed)
	require.NoError(t, err)

	var got BootstrapToken
	require.NoError(t, json.Unmarshal(plaintext, &got))
	assert.Equal(t, token.Token, got.Token)
	assert.Equal(t, []string{"ANTHROPIC_API_KEY"}, got.EnvKeys)
	assert.Equal(t, "eu", got.PublicEnv["REGION"])

	// The scope binds the envelope to this cattle instance and requester.
	_, err = sealbox.Unseal(key, "moltlets:cattle-y:bootstrap:alice", sealed)
	assert.Error(t, err)
}

func TestBootstrapTokenSealRefusesExpired(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	recipient := &Recipient{PublicKey: &key.PublicKey, KeyID: "host-1"}

	token, err := MintBootstrapToken("job-1", "alice", "cattle-x", nil, nil)
	require.NoError(t, err)
	token.ExpiresAt = time.Now().Add(-time.Minute)

	sealed, err := token.Seal(recipient)
	assert.ErrorIs(t, err, sealbox.ErrTokenTTLExceeded)
	assert.Empty(t, sealed)
}
