package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for queue operations.
var (
	// ErrNotFound indicates the job id does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrConflict indicates the job is not in a state that permits the
	// operation (e.g., canceling a claimed or terminal job).
	ErrConflict = errors.New("job state conflict")

	// ErrLeaseLost indicates the caller is no longer the lease owner; the
	// job was reclaimed by another worker after the lease expired.
	ErrLeaseLost = errors.New("job lease lost")
)

// EnqueueParams describes a new job.
type EnqueueParams struct {
	Kind      string
	Requester string
	Payload   json.RawMessage

	// RunAt delays visibility to ClaimNext until the wall-clock time is
	// reached. Zero means immediately eligible.
	RunAt time.Time
}

// Enqueue validates the payload against its kind schema and persists a new
// queued job. Returns the job id.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	if strings.TrimSpace(p.Requester) == "" {
		return "", &ValidationError{Kind: p.Kind, Err: errors.New("requester is required")}
	}
	if err := ValidatePayload(p.Kind, p.Payload); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	id := uuid.New().String()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, requester, payload, status, run_at_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, p.Kind, p.Requester, string(p.Payload), string(StatusQueued),
		runAt.UnixMilli(), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// ClaimNext atomically claims the oldest eligible job for workerID: a queued
// job, or a claimed job whose lease has expired (stale-lease recovery),
// whose run-at time has been reached. Returns nil when no job is eligible.
//
// Selection and mutation happen inside one transaction; combined with the
// store's single connection this is the queue's only mutual-exclusion
// mechanism, so two concurrent claimers can never receive the same job while
// its lease is live.
func (q *Queue) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	if lease <= 0 {
		return nil, errors.New("lease duration must be positive")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	nowMs := now.UnixMilli()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE run_at_ms <= ?
		  AND (status = ? OR (status = ? AND lease_until_ms <= ?))
		ORDER BY rowid
		LIMIT 1
	`, nowMs, string(StatusQueued), string(StatusClaimed), nowMs).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select claimable job: %w", err)
	}

	leaseUntil := now.Add(lease)
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, lease_owner = ?, lease_until_ms = ?, updated_at = ?
		WHERE id = ?
		  AND (status = ? OR (status = ? AND lease_until_ms <= ?))
	`,
		string(StatusClaimed), workerID, leaseUntil.UnixMilli(), now.Format(time.RFC3339Nano),
		id, string(StatusQueued), string(StatusClaimed), nowMs,
	)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Someone else won between select and update; treat as no job.
		return nil, nil
	}

	job, err := getJobTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// ExtendLease pushes the lease deadline for a claimed job. Rejected with
// ErrLeaseLost if workerID is no longer the lease owner.
func (q *Queue) ExtendLease(ctx context.Context, jobID, workerID string, leaseUntil time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET lease_until_ms = ?, updated_at = ?
		WHERE id = ? AND status = ? AND lease_owner = ?
	`,
		leaseUntil.UnixMilli(), time.Now().UTC().Format(time.RFC3339Nano),
		jobID, string(StatusClaimed), workerID,
	)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return q.ownershipResult(ctx, res, jobID)
}

// Ack transitions a claimed job to succeeded, persisting the result.
// Rejected with ErrLeaseLost if workerID no longer owns the lease.
func (q *Queue) Ack(ctx context.Context, jobID, workerID string, result json.RawMessage) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, result = ?, lease_owner = '', lease_until_ms = 0, updated_at = ?
		WHERE id = ? AND status = ? AND lease_owner = ?
	`,
		string(StatusSucceeded), nullableJSON(result), time.Now().UTC().Format(time.RFC3339Nano),
		jobID, string(StatusClaimed), workerID,
	)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return q.ownershipResult(ctx, res, jobID)
}

// Fail transitions a claimed job to failed, persisting the error message.
// Failures are terminal; retry policy belongs to the caller (resubmit a new
// job). Rejected with ErrLeaseLost if workerID no longer owns the lease.
func (q *Queue) Fail(ctx context.Context, jobID, workerID, message string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error = ?, lease_owner = '', lease_until_ms = 0, updated_at = ?
		WHERE id = ? AND status = ? AND lease_owner = ?
	`,
		string(StatusFailed), message, time.Now().UTC().Format(time.RFC3339Nano),
		jobID, string(StatusClaimed), workerID,
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return q.ownershipResult(ctx, res, jobID)
}

// Cancel transitions a queued job to canceled. A claimed job cannot be
// canceled because its handler may already be mid-way through a
// non-reversible side effect; terminal jobs are immutable. Both cases return
// ErrConflict.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`,
		string(StatusCanceled), time.Now().UTC().Format(time.RFC3339Nano),
		jobID, string(StatusQueued),
	)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	if _, err := q.Get(ctx, jobID); err != nil {
		return err
	}
	return ErrConflict
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	return getJobTx(ctx, q.db, jobID)
}

// ListFilter narrows List results.
type ListFilter struct {
	// Statuses restricts results to these statuses. Unknown values should
	// be filtered out by the caller; empty means all.
	Statuses []Status

	// Kind restricts results to one job kind. Empty means all.
	Kind string

	// Limit caps the number of rows returned. Zero or negative uses 100.
	Limit int
}

// List returns jobs newest-first.
func (q *Queue) List(ctx context.Context, f ListFilter) ([]Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		placeholders := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ownershipResult distinguishes "job gone" from "lease reclaimed" when an
// owner-guarded update matched zero rows.
func (q *Queue) ownershipResult(ctx context.Context, res sql.Result, jobID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	if _, err := q.Get(ctx, jobID); err != nil {
		return err
	}
	return ErrLeaseLost
}

const jobColumns = "id, kind, requester, payload, status, lease_owner, lease_until_ms, run_at_ms, result, error, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJobTx(ctx context.Context, db querier, jobID string) (*Job, error) {
	row := db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job          Job
		status       string
		payload      string
		result       sql.NullString
		leaseUntilMs int64
		runAtMs      int64
		createdAt    string
		updatedAt    string
	)
	if err := row.Scan(
		&job.ID, &job.Kind, &job.Requester, &payload, &status,
		&job.LeaseOwner, &leaseUntilMs, &runAtMs, &result, &job.Error,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	job.Status = Status(status)
	job.Payload = json.RawMessage(payload)
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	if leaseUntilMs > 0 {
		job.LeaseUntil = time.UnixMilli(leaseUntilMs).UTC()
	}
	job.RunAt = time.UnixMilli(runAtMs).UTC()

	var err error
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &job, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
