// Package worker runs the poll/claim/heartbeat/dispatch loops that drain the
// job queue.
//
// Each worker slot is an independent loop: poll for a claimable job, start a
// heartbeat that keeps the lease alive for as long as the handler runs, and
// report the outcome back to the queue. Handlers can fail or panic without
// taking the loop down; the only thing that stops a worker is its context.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/regenrek/moltlets/pkg/jobqueue"
)

// Handler executes one kind of job. The returned raw message is persisted as
// the job result on success.
type Handler interface {
	Handle(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Config configures a Pool.
type Config struct {
	// Workers is the number of concurrent worker slots. Default: 2.
	Workers int

	// PollInterval is the idle delay between claim attempts. Default: 2s.
	PollInterval time.Duration

	// Lease is the claim duration requested from the queue. Default: 60s.
	Lease time.Duration

	// LeaseRefresh is the heartbeat interval; must be materially shorter
	// than Lease or a slow handler risks losing its claim mid-work.
	// Default: Lease / 3.
	LeaseRefresh time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 60 * time.Second
	}
	if c.LeaseRefresh <= 0 || c.LeaseRefresh >= c.Lease {
		c.LeaseRefresh = c.Lease / 3
	}
	return c
}

// Pool drives a set of workers against one queue.
type Pool struct {
	queue    *jobqueue.Queue
	cfg      Config
	logger   *zap.Logger
	handlers map[string]Handler
}

// NewPool creates a Pool. Handlers are registered with Register before Run.
func NewPool(queue *jobqueue.Queue, cfg Config, logger *zap.Logger) *Pool {
	return &Pool{
		queue:    queue,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for a job kind. Later registrations replace
// earlier ones.
func (p *Pool) Register(kind string, h Handler) {
	p.handlers[kind] = h
}

// Run starts the worker loops and blocks until ctx is done and every
// in-flight handler has finished.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.New().String()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	logger := p.logger.With(zap.String("worker_id", workerID))
	logger.Debug("worker started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := p.queue.ClaimNext(ctx, workerID, p.cfg.Lease)
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("worker stopped")
				return
			}
			logger.Warn("claim failed", zap.Error(err))
		} else if job != nil {
			p.handle(ctx, workerID, logger, job)
			// Immediately look for the next job instead of idling.
			continue
		}

		select {
		case <-ctx.Done():
			logger.Debug("worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// handle dispatches one claimed job and reports its outcome. Handler errors
// and panics fail the job; neither propagates out of this method.
func (p *Pool) handle(ctx context.Context, workerID string, logger *zap.Logger, job *jobqueue.Job) {
	logger = logger.With(zap.String("job_id", job.ID), zap.String("kind", job.Kind))
	logger.Info("job claimed")

	stopHeartbeat := p.startHeartbeat(ctx, workerID, job.ID)
	defer stopHeartbeat()

	result, err := p.dispatch(ctx, job)
	if err != nil {
		logger.Warn("job failed", zap.Error(err))
		p.report(ctx, logger, func(reportCtx context.Context) error {
			return p.queue.Fail(reportCtx, job.ID, workerID, err.Error())
		})
		return
	}

	logger.Info("job succeeded")
	p.report(ctx, logger, func(reportCtx context.Context) error {
		return p.queue.Ack(reportCtx, job.ID, workerID, result)
	})
}

// dispatch runs the registered handler, converting panics into errors.
func (p *Pool) dispatch(ctx context.Context, job *jobqueue.Job) (result json.RawMessage, err error) {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", jobqueue.ErrUnknownKind, job.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, job)
}

// report delivers an ack/fail to the queue. Losing the lease mid-handling is
// not an error worth surfacing: another worker owns the job now and will
// resolve it.
func (p *Pool) report(ctx context.Context, logger *zap.Logger, fn func(context.Context) error) {
	// Use a fresh context so a canceled worker can still record the outcome
	// of work that already happened.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := fn(reportCtx); err != nil {
		if errors.Is(err, jobqueue.ErrLeaseLost) {
			logger.Warn("lease reclaimed before outcome was recorded")
			return
		}
		logger.Error("failed to record job outcome", zap.Error(err))
	}
}

// startHeartbeat extends the job's lease every LeaseRefresh until the
// returned stop function runs. Stop always runs via defer in handle, so a
// finished job never leaves a heartbeat behind.
func (p *Pool) startHeartbeat(ctx context.Context, workerID, jobID string) func() {
	t := time.NewTicker(p.cfg.LeaseRefresh)
	stopped := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				leaseUntil := time.Now().UTC().Add(p.cfg.Lease)
				if err := p.queue.ExtendLease(ctx, jobID, workerID, leaseUntil); err != nil {
					if errors.Is(err, jobqueue.ErrLeaseLost) {
						// Ownership moved; stop heartbeating. The handler
						// finds out when it acks.
						return
					}
					p.logger.Warn("heartbeat failed",
						zap.String("job_id", jobID),
						zap.Error(err))
				}
			}
		}
	}()

	return func() {
		t.Stop()
		close(done)
		<-stopped
	}
}
