package cattle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/regenrek/moltlets/pkg/jobqueue"
)

// SpawnHandler adapts Manager.Spawn to the worker pool.
type SpawnHandler struct {
	Manager *Manager
}

// Handle runs a cattle.spawn job.
func (h *SpawnHandler) Handle(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error) {
	var p jobqueue.SpawnPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode spawn payload: %w", err)
	}

	server, err := h.Manager.Spawn(ctx, SpawnRequest{
		JobID:           job.ID,
		Requester:       job.Requester,
		Persona:         p.Persona,
		TTL:             p.TTL,
		Task:            p.Task,
		Image:           p.Image,
		ServerType:      p.ServerType,
		Location:        p.Location,
		AutoShutdown:    p.AutoShutdown,
		WithGithubToken: p.WithGithubToken,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(server)
}

// ReapHandler adapts Manager.Reap to the worker pool.
type ReapHandler struct {
	Manager *Manager
}

// Handle runs a cattle.reap job.
func (h *ReapHandler) Handle(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error) {
	var p jobqueue.ReapPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode reap payload: %w", err)
	}

	report, err := h.Manager.Reap(ctx, p.DryRun)
	if err != nil {
		return nil, err
	}

	result := jobqueue.ReapResult{
		CandidateIDs: make([]int64, 0, len(report.Candidates)),
		DeletedIDs:   report.DeletedIDs,
	}
	for _, c := range report.Candidates {
		result.CandidateIDs = append(result.CandidateIDs, c.ID)
	}
	return json.Marshal(result)
}
