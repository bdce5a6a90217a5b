package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sendloop/sendloop/db"
	"github.com/sendloop/sendloop/errors"
)

// Store persists workflow definitions and implements Source.
type Store struct {
	conn    *sql.DB
	dialect db.Dialect
}

// NewStore creates a workflow store
func NewStore(conn *sql.DB, dialect db.Dialect) *Store {
	return &Store{conn: conn, dialect: dialect}
}

var _ Source = (*Store)(nil)

const selectColumns = `id, name, status, trigger_type, schedule_config, trigger_config,
	message_config, target_config, max_retries, created_at, updated_at`

// Upsert inserts or replaces a workflow definition.
func (s *Store) Upsert(ctx context.Context, w *Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}

	schedule, err := json.Marshal(w.Schedule)
	if err != nil {
		return errors.Wrap(err, "marshal schedule")
	}
	trigger, err := json.Marshal(w.Trigger)
	if err != nil {
		return errors.Wrap(err, "marshal trigger")
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = w.UpdatedAt
	}

	query := s.dialect.Rebind(`
		INSERT INTO workflows (id, name, status, trigger_type, event_type, schedule_config,
			trigger_config, message_config, target_config, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			trigger_type = excluded.trigger_type,
			event_type = excluded.event_type,
			schedule_config = excluded.schedule_config,
			trigger_config = excluded.trigger_config,
			message_config = excluded.message_config,
			target_config = excluded.target_config,
			max_retries = excluded.max_retries,
			updated_at = excluded.updated_at
	`)

	_, err = s.conn.ExecContext(ctx, query,
		w.ID, w.Name, string(w.Status), string(w.TriggerType), db.NullString(w.Trigger.EventType),
		string(schedule), string(trigger), rawString(w.MessageConfig), rawString(w.TargetConfig),
		w.MaxRetries, db.FormatTime(w.CreatedAt), db.FormatTime(w.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert workflow %s", w.ID)
	}
	return nil
}

// SetStatus changes a workflow's lifecycle status.
func (s *Store) SetStatus(ctx context.Context, id string, status Status, now time.Time) error {
	switch status {
	case StatusDraft, StatusActive, StatusPaused, StatusArchived:
	default:
		return errors.NewInvalidRequestError("unknown status %q", status)
	}

	res, err := s.conn.ExecContext(ctx,
		s.dialect.Rebind(`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), db.FormatTime(now), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set status of workflow %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("workflow %s", id)
	}
	return nil
}

// Get retrieves a workflow by ID
func (s *Store) Get(ctx context.Context, id string) (*Workflow, error) {
	row := s.conn.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT `+selectColumns+` FROM workflows WHERE id = ?`), id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("workflow %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get workflow %s", id)
	}
	return w, nil
}

// List returns workflows, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status) ([]*Workflow, error) {
	if status == "" {
		return s.query(ctx, `SELECT `+selectColumns+` FROM workflows ORDER BY id`)
	}
	return s.query(ctx, `SELECT `+selectColumns+` FROM workflows WHERE status = ? ORDER BY id`, string(status))
}

// ListActive returns every active workflow.
func (s *Store) ListActive(ctx context.Context) ([]*Workflow, error) {
	return s.List(ctx, StatusActive)
}

// ListByEvent returns active webhook workflows for eventType.
func (s *Store) ListByEvent(ctx context.Context, eventType string) ([]*Workflow, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM workflows
		WHERE trigger_type = ? AND event_type = ? AND status = ?
		ORDER BY id`,
		string(TriggerWebhook), eventType, string(StatusActive))
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Workflow, error) {
	rows, err := s.conn.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query workflows")
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan workflow")
		}
		out = append(out, w)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate workflows")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var (
		w                    Workflow
		status, triggerType  string
		schedule             string
		trigger, msg, target sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&w.ID, &w.Name, &status, &triggerType, &schedule, &trigger,
		&msg, &target, &w.MaxRetries, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	w.Status = Status(status)
	w.TriggerType = TriggerType(triggerType)
	if err := json.Unmarshal([]byte(schedule), &w.Schedule); err != nil {
		return nil, errors.Wrapf(err, "decode schedule of workflow %s", w.ID)
	}
	if trigger.Valid && trigger.String != "" {
		if err := json.Unmarshal([]byte(trigger.String), &w.Trigger); err != nil {
			return nil, errors.Wrapf(err, "decode trigger of workflow %s", w.ID)
		}
	}
	if msg.Valid {
		w.MessageConfig = json.RawMessage(msg.String)
	}
	if target.Valid {
		w.TargetConfig = json.RawMessage(target.String)
	}

	var err error
	if w.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func rawString(r json.RawMessage) sql.NullString {
	if len(r) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(r), Valid: true}
}
