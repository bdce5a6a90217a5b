package jobs

import (
	"database/sql"
	"encoding/json"

	"github.com/sendloop/sendloop/db"
	"github.com/sendloop/sendloop/errors"
)

// selectColumns is the column order expected by scanTargets.
const selectColumns = `id, workflow_id, workflow_snapshot, scheduled_time, status,
	retry_count, max_retries, trigger_source, trigger_metadata, result, last_error,
	created_at, started_at, claimed_at, completed_at, failed_at`

// scanArgs holds the nullable and encoded columns of a job row.
type scanArgs struct {
	Snapshot      string
	ScheduledTime string
	Status        string
	TriggerSource string
	Metadata      sql.NullString
	Result        sql.NullString
	LastError     sql.NullString
	CreatedAt     string
	StartedAt     sql.NullString
	ClaimedAt     sql.NullString
	CompletedAt   sql.NullString
	FailedAt      sql.NullString
}

// scanTargets returns pointers in selectColumns order.
func scanTargets(job *Job, args *scanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.WorkflowID,
		&args.Snapshot,
		&args.ScheduledTime,
		&args.Status,
		&job.RetryCount,
		&job.MaxRetries,
		&args.TriggerSource,
		&args.Metadata,
		&args.Result,
		&args.LastError,
		&args.CreatedAt,
		&args.StartedAt,
		&args.ClaimedAt,
		&args.CompletedAt,
		&args.FailedAt,
	}
}

// processScanArgs decodes scanned columns into job.
func processScanArgs(job *Job, args *scanArgs) error {
	if err := json.Unmarshal([]byte(args.Snapshot), &job.Snapshot); err != nil {
		return errors.Wrapf(err, "decode snapshot of job %s", job.ID)
	}
	if args.Metadata.Valid && args.Metadata.String != "" {
		if err := json.Unmarshal([]byte(args.Metadata.String), &job.TriggerMetadata); err != nil {
			return errors.Wrapf(err, "decode trigger metadata of job %s", job.ID)
		}
	}
	if args.Result.Valid {
		job.Result = json.RawMessage(args.Result.String)
	}
	job.LastError = args.LastError.String
	job.Status = Status(args.Status)
	job.TriggerSource = Source(args.TriggerSource)

	var err error
	if job.ScheduledTime, err = db.ParseTime(args.ScheduledTime); err != nil {
		return err
	}
	if job.CreatedAt, err = db.ParseTime(args.CreatedAt); err != nil {
		return err
	}
	if job.StartedAt, err = db.ParseNullTime(args.StartedAt); err != nil {
		return err
	}
	if job.ClaimedAt, err = db.ParseNullTime(args.ClaimedAt); err != nil {
		return err
	}
	if job.CompletedAt, err = db.ParseNullTime(args.CompletedAt); err != nil {
		return err
	}
	if job.FailedAt, err = db.ParseNullTime(args.FailedAt); err != nil {
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args scanArgs
	if err := row.Scan(scanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	if err := processScanArgs(&job, &args); err != nil {
		return nil, err
	}
	return &job, nil
}
