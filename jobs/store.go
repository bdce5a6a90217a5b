package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sendloop/sendloop/db"
	"github.com/sendloop/sendloop/errors"
)

// Store persists scheduled jobs. Every write that changes whether a job is
// eligible to run is a single UPDATE or DELETE conditioned on the job's id
// and expected status, so concurrent pollers, manual triggers and webhook
// deliveries cannot lose each other's updates.
type Store struct {
	conn    *sql.DB
	dialect db.Dialect
}

// NewStore creates a job store
func NewStore(conn *sql.DB, dialect db.Dialect) *Store {
	return &Store{conn: conn, dialect: dialect}
}

// Create inserts a new job. An empty ID is filled with a UUID and an empty
// status defaults to pending. A second fresh pending recurring job for the
// same workflow is rejected with ErrConflict.
func (s *Store) Create(ctx context.Context, job *Job) error {
	return s.insert(ctx, s.conn, job)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) insert(ctx context.Context, ex execer, job *Job) error {
	if job.WorkflowID == "" {
		return errors.NewInvalidRequestError("job needs a workflow id")
	}
	if job.MaxRetries < 0 {
		return errors.NewInvalidRequestError("maxRetries must be >= 0, got %d", job.MaxRetries)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.TriggerSource == "" {
		job.TriggerSource = job.TriggerMetadata.Source
	}

	snapshot, err := json.Marshal(job.Snapshot)
	if err != nil {
		return errors.Wrap(err, "marshal workflow snapshot")
	}
	metadata, err := json.Marshal(job.TriggerMetadata)
	if err != nil {
		return errors.Wrap(err, "marshal trigger metadata")
	}

	query := s.dialect.Rebind(`
		INSERT INTO scheduled_jobs (id, workflow_id, workflow_snapshot, scheduled_time, status,
			retry_count, max_retries, trigger_source, trigger_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = ex.ExecContext(ctx, query,
		job.ID, job.WorkflowID, string(snapshot), db.FormatTime(job.ScheduledTime), string(job.Status),
		job.RetryCount, job.MaxRetries, string(job.TriggerSource), string(metadata), db.FormatTime(job.CreatedAt),
	)
	if db.IsUniqueViolation(err) {
		return errors.NewConflictError("workflow %s already has a pending occurrence", job.WorkflowID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create job for workflow %s", job.WorkflowID)
	}
	return nil
}

// Get retrieves a job by ID
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.conn.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT `+selectColumns+` FROM scheduled_jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// List returns jobs matching f, most recently scheduled first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Job, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}

	query := `SELECT ` + selectColumns + ` FROM scheduled_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY scheduled_time DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.query(ctx, query, args...)
}

// FindDuePending returns pending jobs scheduled at or before asOf, earliest
// first. limit <= 0 returns every due job.
func (s *Store) FindDuePending(ctx context.Context, asOf time.Time, limit int) ([]*Job, error) {
	query := `SELECT ` + selectColumns + ` FROM scheduled_jobs
		WHERE status = ? AND scheduled_time <= ?
		ORDER BY scheduled_time ASC, created_at ASC, id ASC`
	args := []interface{}{string(StatusPending), db.FormatTime(asOf)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// FindPendingForWorkflow returns every pending job of a workflow, earliest first.
func (s *Store) FindPendingForWorkflow(ctx context.Context, workflowID string) ([]*Job, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM scheduled_jobs
		WHERE workflow_id = ? AND status = ?
		ORDER BY scheduled_time ASC, id ASC`,
		workflowID, string(StatusPending))
}

// Claim moves a pending job to running. It returns false, without error,
// when another caller claimed the job first or it is no longer pending.
// claimed_at is stamped on every claim; started_at only on the first.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	ts := db.FormatTime(now)
	res, err := s.conn.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE scheduled_jobs
		SET status = ?, claimed_at = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status = ?
	`), string(StatusRunning), ts, ts, id, string(StatusPending))
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "failed to read claim result for job %s", id)
	}
	return n == 1, nil
}

// Complete records success of a running job.
func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage, now time.Time) error {
	var resultCol sql.NullString
	if len(result) > 0 {
		resultCol = sql.NullString{String: string(result), Valid: true}
	}

	res, err := s.conn.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE scheduled_jobs
		SET status = ?, completed_at = ?, result = ?, last_error = NULL
		WHERE id = ? AND status = ?
	`), string(StatusCompleted), db.FormatTime(now), resultCol, id, string(StatusRunning))
	if err != nil {
		return errors.Wrapf(err, "failed to complete job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewConflictError("job %s is not running", id)
	}
	return nil
}

// RecordFailure records a failed attempt of a running job. The retry count
// is incremented; while it stays below max_retries the job returns to
// pending at retryAt, otherwise it becomes failed. The decision is taken by
// the database in the same statement.
func (s *Store) RecordFailure(ctx context.Context, id, errMsg string, retryAt, now time.Time) (FailureOutcome, error) {
	row := s.conn.QueryRowContext(ctx, s.dialect.Rebind(`
		UPDATE scheduled_jobs SET
			retry_count = retry_count + 1,
			last_error = ?,
			status = CASE WHEN retry_count + 1 < max_retries THEN 'pending' ELSE 'failed' END,
			scheduled_time = CASE WHEN retry_count + 1 < max_retries THEN ? ELSE scheduled_time END,
			failed_at = CASE WHEN retry_count + 1 < max_retries THEN NULL ELSE ? END,
			claimed_at = NULL
		WHERE id = ? AND status = ?
		RETURNING status, retry_count
	`), errMsg, db.FormatTime(retryAt), db.FormatTime(now), id, string(StatusRunning))

	var out FailureOutcome
	var status string
	err := row.Scan(&status, &out.RetryCount)
	if err == sql.ErrNoRows {
		return out, errors.NewConflictError("job %s is not running", id)
	}
	if err != nil {
		return out, errors.Wrapf(err, "failed to record failure of job %s", id)
	}
	out.Status = Status(status)
	return out, nil
}

// CancelPending deletes a job if it is still pending. Running jobs cannot
// be cancelled.
func (s *Store) CancelPending(ctx context.Context, id string) (bool, error) {
	res, err := s.conn.ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM scheduled_jobs WHERE id = ? AND status = ?`),
		id, string(StatusPending))
	if err != nil {
		return false, errors.Wrapf(err, "failed to cancel job %s", id)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CancelPendingForWorkflow deletes every pending job of a workflow.
func (s *Store) CancelPendingForWorkflow(ctx context.Context, workflowID string) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM scheduled_jobs WHERE workflow_id = ? AND status = ?`),
		workflowID, string(StatusPending))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to cancel pending jobs of workflow %s", workflowID)
	}
	return res.RowsAffected()
}

// ReplacePending deletes the listed jobs (only while still pending) and
// inserts job, in one transaction.
func (s *Store) ReplacePending(ctx context.Context, staleIDs []string, job *Job) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin replace")
	}
	defer tx.Rollback()

	var removed int64
	del := s.dialect.Rebind(`DELETE FROM scheduled_jobs WHERE id = ? AND status = ?`)
	for _, id := range staleIDs {
		res, err := tx.ExecContext(ctx, del, id, string(StatusPending))
		if err != nil {
			return 0, errors.Wrapf(err, "failed to delete job %s", id)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if err := s.insert(ctx, tx, job); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit replace")
	}
	return removed, nil
}

// ForceFailRunning moves running jobs to failed with reason as lastError.
// With jobID set only that job is considered and its age is ignored;
// otherwise every job claimed at or before olderThan is failed. It returns
// the ids that were transitioned.
func (s *Store) ForceFailRunning(ctx context.Context, jobID string, olderThan time.Time, reason string, now time.Time) ([]string, error) {
	query := `UPDATE scheduled_jobs
		SET status = ?, failed_at = ?, last_error = ?
		WHERE status = ? AND `
	args := []interface{}{string(StatusFailed), db.FormatTime(now), reason, string(StatusRunning)}
	if jobID != "" {
		query += `id = ?`
		args = append(args, jobID)
	} else {
		query += `claimed_at <= ?`
		args = append(args, db.FormatTime(olderThan))
	}
	query += ` RETURNING id`

	rows, err := s.conn.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to force-fail running jobs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan force-failed job id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate force-failed jobs")
}

// Stats counts jobs per status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM scheduled_jobs GROUP BY status`)
	if err != nil {
		return st, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, errors.Wrap(err, "scan job counts")
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusRunning:
			st.Running = n
		case StatusCompleted:
			st.Completed = n
		case StatusFailed:
			st.Failed = n
		}
	}
	return st, errors.Wrap(rows.Err(), "iterate job counts")
}

// PurgeFinished deletes terminal jobs that finished before cutoff.
func (s *Store) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, s.dialect.Rebind(`
		DELETE FROM scheduled_jobs
		WHERE status IN (?, ?) AND COALESCE(completed_at, failed_at) < ?
	`), string(StatusCompleted), string(StatusFailed), db.FormatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge finished jobs")
	}
	return res.RowsAffected()
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.conn.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		out = append(out, job)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate jobs")
}
