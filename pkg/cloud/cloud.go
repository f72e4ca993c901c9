// Package cloud defines abstractions for the compute provider operations the
// orchestrator needs.
//
// Providers implement a minimal surface area focused on instance lifecycle
// and firewall management. The orchestrator never speaks a provider wire
// format directly - it goes through this interface so cattle logic stays
// provider-neutral.
package cloud

import (
	"context"
	"time"
)

// Provider abstracts compute instance lifecycle operations.
//
// Implementations should:
//   - Carry request timeouts on every call
//   - Be safe for concurrent use
//   - Return typed errors (see errors.go) so callers can classify retries
type Provider interface {
	// CreateServer provisions a new instance and returns its record.
	// The instance may still be starting when CreateServer returns; use
	// WaitForStatus to block until it is running.
	CreateServer(ctx context.Context, req CreateServerRequest) (*Server, error)

	// DeleteServer destroys an instance by id.
	// Returns ErrNotFound if the instance does not exist.
	DeleteServer(ctx context.Context, id int64) error

	// ListServers returns all instances matching the label selector.
	// An empty selector lists every instance visible to the credential.
	ListServers(ctx context.Context, selector string) ([]Server, error)

	// EnsureFirewall creates the named firewall if it does not exist and
	// returns its id. The operation is idempotent.
	EnsureFirewall(ctx context.Context, name string, rules []FirewallRule) (int64, error)

	// WaitForStatus polls until the instance reaches the wanted status or
	// the context is done.
	WaitForStatus(ctx context.Context, id int64, status ServerStatus) error
}

// ServerStatus is the provider-reported lifecycle state of an instance.
type ServerStatus string

const (
	StatusInitializing ServerStatus = "initializing"
	StatusStarting     ServerStatus = "starting"
	StatusRunning      ServerStatus = "running"
	StatusStopping     ServerStatus = "stopping"
	StatusOff          ServerStatus = "off"
	StatusDeleting     ServerStatus = "deleting"
	StatusUnknown      ServerStatus = "unknown"
)

// Server is an instance record as reported by the provider.
type Server struct {
	// ID is the provider-assigned numeric id.
	ID int64

	// Name is the instance name (unique per project on most providers).
	Name string

	// Status is the current lifecycle state.
	Status ServerStatus

	// IPv4 is the public IPv4 address, empty until assigned.
	IPv4 string

	// Created is when the provider created the instance.
	Created time.Time

	// Labels are the provider-side key/value labels. The orchestrator
	// treats these as the durable record for cattle metadata.
	Labels map[string]string
}

// CreateServerRequest describes a new instance.
type CreateServerRequest struct {
	Name       string
	ServerType string
	Image      string
	Location   string

	// UserData is the cloud-init document passed to the instance at boot.
	UserData string

	// SSHKeys are provider-registered key names or fingerprints.
	SSHKeys []string

	// Labels are attached verbatim to the instance.
	Labels map[string]string

	// FirewallIDs attach existing firewalls at create time.
	FirewallIDs []int64
}

// FirewallRule is a single inbound rule.
type FirewallRule struct {
	Protocol  string
	Port      string
	SourceIPs []string
}
