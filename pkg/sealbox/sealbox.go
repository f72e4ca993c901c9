// Package sealbox provides hybrid envelope encryption for handing a secret
// to a single named recipient.
//
// Sealing generates a fresh 256-bit AES key, encrypts the plaintext with
// AES-256-GCM binding a caller-supplied scope string as additional
// authenticated data, then wraps the AES key with the recipient's RSA public
// key using OAEP/SHA-256. The result is a versioned envelope emitted as one
// base64url token. A sealed blob cannot be replayed against a different
// scope even by a party that recovers the symmetric key.
//
// The sealing side never holds the recipient's private key; unsealing
// requires the private key referenced by the envelope's key id and the exact
// scope the blob was sealed for.
package sealbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	// Version is the envelope format version.
	Version = 1

	// Alg identifies the hybrid scheme used by this version.
	Alg = "RSA-OAEP-256+A256GCM"

	keyBytes   = 32
	nonceBytes = 12
)

// Envelope is the sealed wire format. All binary fields are base64url
// encoded; the envelope itself travels as base64url(JSON) so it stays opaque
// at rest and in transit.
type Envelope struct {
	Version    int    `json:"v"`
	Alg        string `json:"alg"`
	KeyID      string `json:"kid"`
	IV         string `json:"iv"`
	WrappedKey string `json:"wrapped_key"`
	Ciphertext string `json:"ct"`
}

// Seal encrypts plaintext to the recipient's public key, binding scope as
// AAD. kid names the recipient key so the unsealing side can locate its
// private key.
func Seal(recipient *rsa.PublicKey, kid, scope string, plaintext []byte) (string, error) {
	if recipient == nil {
		return "", fmt.Errorf("recipient public key is required")
	}
	if kid == "" {
		return "", fmt.Errorf("key id is required")
	}
	if scope == "" {
		return "", fmt.Errorf("scope is required")
	}

	key := make([]byte, keyBytes)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating data key: %w", err)
	}
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating GCM: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(scope))

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, key, nil)
	if err != nil {
		return "", fmt.Errorf("wrapping data key: %w", err)
	}
	// The data key has served its purpose.
	for i := range key {
		key[i] = 0
	}

	env := Envelope{
		Version:    Version,
		Alg:        Alg,
		KeyID:      kid,
		IV:         base64.RawURLEncoding.EncodeToString(nonce),
		WrappedKey: base64.RawURLEncoding.EncodeToString(wrapped),
		Ciphertext: base64.RawURLEncoding.EncodeToString(ciphertext),
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding envelope: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(encoded), nil
}

// Unseal decrypts a sealed token with the private key matching the
// envelope's key id. The scope must match the one used at sealing time or
// authentication fails.
func Unseal(private *rsa.PrivateKey, scope, token string) ([]byte, error) {
	if private == nil {
		return nil, fmt.Errorf("private key is required")
	}

	env, err := Decode(token)
	if err != nil {
		return nil, err
	}

	nonce, err := base64.RawURLEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	if len(nonce) != nonceBytes {
		return nil, fmt.Errorf("unexpected nonce length %d", len(nonce))
	}
	wrapped, err := base64.RawURLEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped key: %w", err)
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, private, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(scope))
	if err != nil {
		return nil, fmt.Errorf("opening sealed data: %w", err)
	}
	return plaintext, nil
}

// Decode parses a sealed token into its envelope without decrypting. Useful
// for inspecting the key id before locating a private key.
func Decode(token string) (*Envelope, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	if env.Alg != Alg {
		return nil, fmt.Errorf("unsupported envelope algorithm %q", env.Alg)
	}
	return &env, nil
}
