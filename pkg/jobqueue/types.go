package jobqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted in the queue database and are part of the
// stable on-disk contract.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusClaimed   Status = "claimed"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether a job in this status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusClaimed, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Job kinds dispatched by the worker pool.
const (
	KindCattleSpawn = "cattle.spawn"
	KindCattleReap  = "cattle.reap"
)

// Job is a durable work item. Once a job reaches a terminal status it is
// immutable.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Requester  string          `json:"requester"`
	Payload    json.RawMessage `json:"payload"`
	Status     Status          `json:"status"`
	LeaseOwner string          `json:"lease_owner,omitempty"`
	LeaseUntil time.Time       `json:"lease_until,omitzero"`
	RunAt      time.Time       `json:"run_at"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SpawnPayload is the payload for cattle.spawn jobs.
type SpawnPayload struct {
	Persona         string `json:"persona"`
	TTL             string `json:"ttl,omitempty"`
	Task            string `json:"task"`
	Image           string `json:"image,omitempty"`
	ServerType      string `json:"serverType,omitempty"`
	Location        string `json:"location,omitempty"`
	AutoShutdown    bool   `json:"autoShutdown,omitempty"`
	WithGithubToken bool   `json:"withGithubToken,omitempty"`
}

// ReapPayload is the payload for cattle.reap jobs.
type ReapPayload struct {
	DryRun bool `json:"dryRun"`
}

// ReapResult is the result recorded by a completed cattle.reap job.
type ReapResult struct {
	CandidateIDs []int64 `json:"candidateIds"`
	DeletedIDs   []int64 `json:"deletedIds"`
}

// ErrUnknownKind indicates a job kind with no registered payload schema.
var ErrUnknownKind = errors.New("unsupported job kind")

// ValidationError reports a payload that failed its kind-specific schema.
type ValidationError struct {
	Kind string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ValidatePayload checks a raw payload against the schema for its kind.
// Unknown kinds are rejected so a job that no handler can run is never
// accepted into the queue.
func ValidatePayload(kind string, payload json.RawMessage) error {
	switch kind {
	case KindCattleSpawn:
		var p SpawnPayload
		if err := strictUnmarshal(payload, &p); err != nil {
			return &ValidationError{Kind: kind, Err: err}
		}
		if strings.TrimSpace(p.Persona) == "" {
			return &ValidationError{Kind: kind, Err: errors.New("persona is required")}
		}
		if strings.TrimSpace(p.Task) == "" {
			return &ValidationError{Kind: kind, Err: errors.New("task is required")}
		}
		return nil
	case KindCattleReap:
		var p ReapPayload
		if err := strictUnmarshal(payload, &p); err != nil {
			return &ValidationError{Kind: kind, Err: err}
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// strictUnmarshal rejects unknown fields so payload typos surface at enqueue
// time instead of silently vanishing.
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("payload is required")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
