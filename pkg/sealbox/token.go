package sealbox

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"
)

// Credential TTL ceilings. A token whose expiry exceeds its ceiling is
// refused before any ciphertext exists, so a long-lived credential can never
// be smuggled into an ephemeral instance through a sealed envelope.
const (
	// MaxBootstrapTokenTTL caps one-time bootstrap tokens.
	MaxBootstrapTokenTTL = 15 * time.Minute

	// MaxTailnetKeyTTL caps tailnet join keys.
	MaxTailnetKeyTTL = 60 * time.Minute
)

// ErrTokenNotOneTime indicates a reusable credential was offered for sealing.
var ErrTokenNotOneTime = errors.New("token is not one-time")

// ErrTokenTTLExceeded indicates a credential outlives its TTL ceiling.
var ErrTokenTTLExceeded = errors.New("token TTL exceeds ceiling")

// TokenConstraints describes the invariants a credential must satisfy before
// it may be sealed.
type TokenConstraints struct {
	// OneTime must be true; reusable credentials are never sealed.
	OneTime bool

	// ExpiresAt is when the credential stops working.
	ExpiresAt time.Time

	// MaxTTL is the ceiling ExpiresAt-now must fall within.
	MaxTTL time.Duration
}

// Validate checks the constraints against the current clock.
func (c TokenConstraints) Validate(now time.Time) error {
	if !c.OneTime {
		return ErrTokenNotOneTime
	}
	ttl := c.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return fmt.Errorf("%w: already expired at %s", ErrTokenTTLExceeded, c.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if ttl > c.MaxTTL {
		return fmt.Errorf("%w: %s remaining, ceiling %s", ErrTokenTTLExceeded, ttl.Round(time.Second), c.MaxTTL)
	}
	return nil
}

// SealToken seals a credential after independently re-validating its
// one-time and TTL invariants. This is the last line of defense: callers are
// expected to have validated the credential already, and SealToken refuses
// to produce an envelope when they have not.
func SealToken(recipient *rsa.PublicKey, kid, scope string, token []byte, constraints TokenConstraints) (string, error) {
	if err := constraints.Validate(time.Now()); err != nil {
		return "", err
	}
	return Seal(recipient, kid, scope, token)
}
