package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/scope"
)

// JobStore manages durable job records. Queue dispatch lives in pkg/jobs;
// this store owns the status machine rows.
type JobStore struct {
	db *DB
}

func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, task_name, payload_json, status, attempts, max_attempts,
    result_json, error, user_id, workspace_id, started_at, completed_at, created_at, updated_at`

// Insert writes a queued job row.
func (s *JobStore) Insert(ctx context.Context, j *Job) error {
	payloadJSON, err := marshalJSON(j.Payload)
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}
	if j.Status == "" {
		j.Status = JobQueued
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 3
	}
	j.CreatedAt = time.Now().UTC()
	j.UpdatedAt = j.CreatedAt

	_, err = s.db.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TaskName, payloadJSON, j.Status, j.Attempts, j.MaxAttempts,
		sql.NullString{}, nullable(j.Error), nullable(j.UserID), nullable(j.WorkspaceID),
		nullableTime(j.StartedAt), nullableTime(j.CompletedAt), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

// Get returns the job or nil when absent or out of scope.
func (s *JobStore) Get(ctx context.Context, u *auth.CurrentUser, id string) (*Job, error) {
	fragment, args := scope.ForJobs(u)
	row := s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND `+fragment,
		append([]any{id}, args...)...)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// GetInternal loads a job without scope; used by the worker.
func (s *JobStore) GetInternal(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// MarkRunning transitions queued→running and bumps attempts. Returns false
// when the job is not in a runnable state (e.g. cancelled).
func (s *JobStore) MarkRunning(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, started_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		JobRunning, now, now, id, JobQueued)
	if err != nil {
		return false, fmt.Errorf("marking job running: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkSucceeded stores the result and completes the job.
func (s *JobStore) MarkSucceeded(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("encoding job result: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(ctx,
		`UPDATE jobs SET status = ?, result_json = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		JobSucceeded, resultJSON, now, now, id)
	if err != nil {
		return fmt.Errorf("marking job succeeded: %w", err)
	}
	return nil
}

// MarkFailed records the error; terminal failure sets completed_at.
func (s *JobStore) MarkFailed(ctx context.Context, id, errMsg string, terminal bool) error {
	now := time.Now().UTC()
	if terminal {
		_, err := s.db.Exec(ctx,
			`UPDATE jobs SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
			JobFailed, errMsg, now, now, id)
		if err != nil {
			return fmt.Errorf("marking job failed: %w", err)
		}
		return nil
	}
	// Retryable: back to queued for the delayed re-enqueue.
	_, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		JobQueued, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("requeueing job: %w", err)
	}
	return nil
}

// Cancel transitions queued→cancelled only. Running jobs finish.
func (s *JobStore) Cancel(ctx context.Context, u *auth.CurrentUser, id string) (bool, error) {
	fragment, scopeArgs := scope.ForJobs(u)
	now := time.Now().UTC()
	args := append([]any{JobCancelled, now, now, id, JobQueued}, scopeArgs...)

	res, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, updated_at = ?
         WHERE id = ? AND status = ? AND `+fragment,
		args...)
	if err != nil {
		return false, fmt.Errorf("cancelling job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var payloadJSON, resultJSON, errMsg, userID, workspaceID sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&j.ID, &j.TaskName, &payloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&resultJSON, &errMsg, &userID, &workspaceID, &startedAt, &completedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	j.Error = errMsg.String
	j.UserID = userID.String
	j.WorkspaceID = workspaceID.String
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	if err := unmarshalJSON(payloadJSON, &j.Payload); err != nil {
		return nil, fmt.Errorf("decoding job payload: %w", err)
	}
	if err := unmarshalJSON(resultJSON, &j.Result); err != nil {
		return nil, fmt.Errorf("decoding job result: %w", err)
	}
	return j, nil
}
