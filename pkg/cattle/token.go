package cattle

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/regenrek/moltlets/pkg/sealbox"
)

// BootstrapTokenTTL is the validity window for bootstrap tokens. It sits
// under the sealbox ceiling so minting and sealing agree.
const BootstrapTokenTTL = 10 * time.Minute

// BootstrapToken is the one-time credential a new instance presents to fetch
// its real secrets at boot. It is constructed, sealed, and forgotten within
// a single spawn; the orchestrator never persists it in plaintext.
type BootstrapToken struct {
	JobID      string            `json:"jobId"`
	Requester  string            `json:"requester"`
	CattleName string            `json:"cattleName"`
	EnvKeys    []string          `json:"envKeys"`
	PublicEnv  map[string]string `json:"publicEnv,omitempty"`
	Token      string            `json:"token"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	OneTime    bool              `json:"oneTime"`
}

// MintBootstrapToken creates a fresh one-time bootstrap token scoped to
// (jobID, requester, cattleName).
func MintBootstrapToken(jobID, requester, cattleName string, envKeys []string, publicEnv map[string]string) (*BootstrapToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating bootstrap token: %w", err)
	}
	return &BootstrapToken{
		JobID:      jobID,
		Requester:  requester,
		CattleName: cattleName,
		EnvKeys:    envKeys,
		PublicEnv:  publicEnv,
		Token:      base64.RawURLEncoding.EncodeToString(raw),
		ExpiresAt:  time.Now().UTC().Add(BootstrapTokenTTL),
		OneTime:    true,
	}, nil
}

// Scope returns the sealing scope that binds a sealed token to its intended
// use. A blob sealed for one (name, requester) pair cannot be replayed
// against another.
func (t *BootstrapToken) Scope() string {
	return fmt.Sprintf("%s:%s:bootstrap:%s", ManagedByValue, t.CattleName, t.Requester)
}

// Constraints expresses the token's invariants for sealbox re-validation.
func (t *BootstrapToken) Constraints() sealbox.TokenConstraints {
	return sealbox.TokenConstraints{
		OneTime:   t.OneTime,
		ExpiresAt: t.ExpiresAt,
		MaxTTL:    sealbox.MaxBootstrapTokenTTL,
	}
}

// Seal serializes and seals the token to the recipient key. Validation of
// the one-time and TTL invariants happens inside sealbox; no ciphertext is
// produced for a token that violates them.
func (t *BootstrapToken) Seal(recipient *Recipient) (string, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encoding bootstrap token: %w", err)
	}
	return sealbox.SealToken(recipient.PublicKey, recipient.KeyID, t.Scope(), payload, t.Constraints())
}
