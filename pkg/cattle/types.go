// Package cattle implements the lifecycle of disposable compute instances:
// spawning them with a persona and a task, and reaping them once their TTL
// has passed.
//
// The cloud provider's instance record is the durable state. Everything the
// orchestrator needs to know about a cattle instance - who made it, which
// persona it runs, when it expires - lives in provider labels, so a restart
// of the orchestrator loses nothing.
package cattle

import (
	"strconv"
	"time"

	"github.com/regenrek/moltlets/pkg/cloud"
)

// Label keys attached to every managed instance.
const (
	LabelManagedBy = "managed-by"
	LabelCattle    = "cattle"
	LabelPersona   = "persona"
	LabelTaskID    = "task-id"
	LabelCreatedAt = "created-at"
	LabelExpiresAt = "expires-at"

	// ManagedByValue identifies instances owned by this orchestrator.
	ManagedByValue = "moltlets"
)

// Selector matches every cattle instance managed by this orchestrator.
const Selector = LabelManagedBy + "=" + ManagedByValue + "," + LabelCattle + "=true"

// Server is a cattle instance view derived from a provider record.
type Server struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	Persona    string            `json:"persona"`
	TaskID     string            `json:"taskId"`
	TTLSeconds int64             `json:"ttlSeconds"`
	CreatedAt  time.Time         `json:"createdAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	IPv4       string            `json:"ipv4"`
	Status     string            `json:"status"`
	Labels     map[string]string `json:"labels"`
}

// FromCloud derives a cattle view from a provider instance record.
//
// The expiry comes from the expires-at label. If that label is missing or
// unparseable the expiry collapses to the creation time, i.e. the instance
// counts as already expired. Reaping a mislabeled instance is the safe
// failure; leaking a forgotten one is not.
func FromCloud(s cloud.Server) Server {
	createdAt := s.Created
	if v, ok := s.Labels[LabelCreatedAt]; ok {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			createdAt = time.Unix(ts, 0).UTC()
		}
	}

	expiresAt := createdAt
	if v, ok := s.Labels[LabelExpiresAt]; ok {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			expiresAt = time.Unix(ts, 0).UTC()
		}
	}

	var ttlSeconds int64
	if expiresAt.After(createdAt) {
		ttlSeconds = int64(expiresAt.Sub(createdAt).Seconds())
	}

	return Server{
		ID:         s.ID,
		Name:       s.Name,
		Persona:    s.Labels[LabelPersona],
		TaskID:     s.Labels[LabelTaskID],
		TTLSeconds: ttlSeconds,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
		IPv4:       s.IPv4,
		Status:     string(s.Status),
		Labels:     s.Labels,
	}
}

// Expired reports whether the instance's TTL has passed at the given time.
func (s Server) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
