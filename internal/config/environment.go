package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/regenrek/moltlets/pkg/cattle"
)

// Environment implements cattle.Environment over process configuration and
// environment variables.
type Environment struct {
	cfg *Config
}

var _ cattle.Environment = (*Environment)(nil)

// NewEnvironment wraps a validated config.
func NewEnvironment(cfg *Config) *Environment {
	return &Environment{cfg: cfg}
}

// AdminSSHKeys returns the configured admin public keys, merging the inline
// list with the keys file if one is set.
func (e *Environment) AdminSSHKeys() []string {
	keys := append([]string(nil), e.cfg.Admin.SSHKeys...)
	if e.cfg.Admin.SSHKeysFile != "" {
		raw, err := os.ReadFile(e.cfg.Admin.SSHKeysFile)
		if err == nil {
			for _, line := range strings.Split(string(raw), "\n") {
				line = strings.TrimSpace(line)
				if line != "" && !strings.HasPrefix(line, "#") {
					keys = append(keys, line)
				}
			}
		}
	}
	return keys
}

// TailnetKey returns the declared tailnet join key. The expiry was validated
// parseable at startup.
func (e *Environment) TailnetKey() (cattle.TailnetKey, error) {
	expiresAt, err := time.Parse(time.RFC3339, e.cfg.Tailnet.ExpiresAt)
	if err != nil {
		return cattle.TailnetKey{}, fmt.Errorf("tailnet.expires_at: %w", err)
	}
	return cattle.TailnetKey{
		Key:       e.cfg.Tailnet.AuthKey,
		ExpiresAt: expiresAt,
		OneTime:   e.cfg.Tailnet.OneTime,
	}, nil
}

// HasCredential reports whether the named env var is present and non-empty.
// The value itself never leaves the process environment.
func (e *Environment) HasCredential(name string) bool {
	value, ok := os.LookupEnv(name)
	return ok && strings.TrimSpace(value) != ""
}

// LoadRecipient reads the PEM-encoded RSA public key sealed envelopes are
// addressed to.
func LoadRecipient(path, keyID string) (*cattle.Recipient, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipient key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("recipient key %s is not PEM", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse recipient key: %w", err)
	}
	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("recipient key %s is not RSA", path)
	}
	return &cattle.Recipient{PublicKey: publicKey, KeyID: keyID}, nil
}
