// Package health records every poll signal and reports whether the external
// poll driver is still alive. It is observability only and never gates
// execution.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sendloop/sendloop/clock"
	"github.com/sendloop/sendloop/db"
	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/internal/util"
	"github.com/sendloop/sendloop/logger"
	"github.com/sendloop/sendloop/metrics"
)

// SourcePoll identifies signals from the periodic poll path.
const SourcePoll = "scheduler.poll"

// DefaultStalenessWindow applies when none is configured.
const DefaultStalenessWindow = 5 * time.Minute

// recentLimit bounds the signals returned in a Report.
const recentLimit = 10

// Outcome of a recorded invocation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Signal is one recorded invocation of the poll path.
type Signal struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Caller       string    `json:"caller,omitempty"`
	ReceivedAt   time.Time `json:"receivedAt"`
	Outcome      Outcome   `json:"outcome"`
	TotalJobs    int       `json:"totalJobs"`
	ExecutedJobs int       `json:"executedJobs"`
	RetriedJobs  int       `json:"retriedJobs"`
	FailedJobs   int       `json:"failedJobs"`
	DurationMS   int64     `json:"durationMs"`
	Error        string    `json:"error,omitempty"`
}

// Report is the health summary served by /scheduler/health.
type Report struct {
	Healthy                bool     `json:"healthy"`
	Status                 string   `json:"status"`
	LastSignal             *Signal  `json:"lastSignal,omitempty"`
	SecondsSinceLastSignal *int64   `json:"secondsSinceLastSignal,omitempty"`
	StalenessWindowSeconds int64    `json:"stalenessWindowSeconds"`
	RecentSignals          []Signal `json:"recentSignals"`
	RecentErrors           int      `json:"recentErrors"`
}

// Monitor stores signals in cron_signals.
type Monitor struct {
	conn    *sql.DB
	dialect db.Dialect
	clock   clock.Clock
	logger  *zap.SugaredLogger

	mu     sync.RWMutex
	window time.Duration
}

// NewMonitor creates a monitor. A zero window uses DefaultStalenessWindow.
func NewMonitor(conn *sql.DB, dialect db.Dialect, clk clock.Clock, window time.Duration, logger *zap.SugaredLogger) *Monitor {
	m := &Monitor{conn: conn, dialect: dialect, clock: clk, logger: logger}
	m.SetStalenessWindow(window)
	return m
}

// SetStalenessWindow changes the window, e.g. on config reload.
func (m *Monitor) SetStalenessWindow(d time.Duration) {
	if d <= 0 {
		d = DefaultStalenessWindow
	}
	m.mu.Lock()
	m.window = d
	m.mu.Unlock()
}

// StalenessWindow returns the current window.
func (m *Monitor) StalenessWindow() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.window
}

// RecordSignal persists sig. Missing id, source, time and outcome are
// filled in.
func (m *Monitor) RecordSignal(ctx context.Context, sig *Signal) error {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Source == "" {
		sig.Source = SourcePoll
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = m.clock.Now()
	}
	sig.ReceivedAt = sig.ReceivedAt.UTC()
	if sig.Outcome == "" {
		sig.Outcome = OutcomeSuccess
		if sig.Error != "" {
			sig.Outcome = OutcomeError
		}
	}

	_, err := m.conn.ExecContext(ctx, m.dialect.Rebind(`
		INSERT INTO cron_signals (id, source, caller, received_at, outcome,
			total_jobs, executed_jobs, retried_jobs, failed_jobs, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sig.ID, sig.Source, db.NullString(sig.Caller), db.FormatTime(sig.ReceivedAt), string(sig.Outcome),
		sig.TotalJobs, sig.ExecutedJobs, sig.RetriedJobs, sig.FailedJobs, sig.DurationMS, db.NullString(sig.Error))
	if err != nil {
		return errors.Wrap(err, "failed to record poll signal")
	}

	metrics.Polls.WithLabelValues(string(sig.Outcome)).Inc()
	if sig.Source == SourcePoll {
		metrics.LastPoll.Set(float64(sig.ReceivedAt.Unix()))
	}
	m.logger.Debugw("Recorded signal",
		"source", sig.Source,
		logger.FieldCaller, sig.Caller,
		logger.FieldStatus, string(sig.Outcome))
	return nil
}

// LastSignal returns the most recent signal of source, or nil when none
// was recorded.
func (m *Monitor) LastSignal(ctx context.Context, source string) (*Signal, error) {
	sigs, err := m.recent(ctx, source, 1)
	if err != nil || len(sigs) == 0 {
		return nil, err
	}
	return &sigs[0], nil
}

// IsHealthy reports whether a poll signal, of any outcome, arrived within
// the staleness window before asOf.
func (m *Monitor) IsHealthy(ctx context.Context, asOf time.Time) (bool, error) {
	last, err := m.LastSignal(ctx, SourcePoll)
	if err != nil {
		return false, err
	}
	return m.fresh(last, asOf), nil
}

// Summary builds a Report as of asOf.
func (m *Monitor) Summary(ctx context.Context, asOf time.Time) (Report, error) {
	window := m.StalenessWindow()
	rep := Report{StalenessWindowSeconds: int64(window / time.Second)}

	recent, err := m.recent(ctx, SourcePoll, recentLimit)
	if err != nil {
		return rep, err
	}
	rep.RecentSignals = recent
	if rep.RecentSignals == nil {
		rep.RecentSignals = []Signal{}
	}
	for _, s := range recent {
		if s.Outcome == OutcomeError {
			rep.RecentErrors++
		}
	}

	if len(recent) > 0 {
		rep.LastSignal = util.Ptr(recent[0])
		rep.SecondsSinceLastSignal = util.Ptr(int64(asOf.Sub(recent[0].ReceivedAt) / time.Second))
	}
	rep.Healthy = m.fresh(rep.LastSignal, asOf)

	switch {
	case rep.LastSignal == nil:
		rep.Status = "no signals recorded"
	case !rep.Healthy:
		rep.Status = "stale"
	case rep.LastSignal.Outcome == OutcomeError:
		rep.Status = "degraded"
	default:
		rep.Status = "ok"
	}
	return rep, nil
}

// Prune deletes signals received before cutoff.
func (m *Monitor) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := m.conn.ExecContext(ctx,
		m.dialect.Rebind(`DELETE FROM cron_signals WHERE received_at < ?`),
		db.FormatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune poll signals")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		m.logger.Infow("Pruned poll signals", logger.FieldCount, n)
	}
	return n, nil
}

func (m *Monitor) fresh(last *Signal, asOf time.Time) bool {
	if last == nil {
		return false
	}
	return asOf.Sub(last.ReceivedAt) <= m.StalenessWindow()
}

func (m *Monitor) recent(ctx context.Context, source string, limit int) ([]Signal, error) {
	rows, err := m.conn.QueryContext(ctx, m.dialect.Rebind(`
		SELECT id, source, caller, received_at, outcome, total_jobs, executed_jobs,
			retried_jobs, failed_jobs, duration_ms, error
		FROM cron_signals
		WHERE source = ?
		ORDER BY received_at DESC
		LIMIT ?
	`), source, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query poll signals")
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		var (
			s          Signal
			caller     sql.NullString
			receivedAt string
			outcome    string
			errText    sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Source, &caller, &receivedAt, &outcome, &s.TotalJobs,
			&s.ExecutedJobs, &s.RetriedJobs, &s.FailedJobs, &s.DurationMS, &errText); err != nil {
			return nil, errors.Wrap(err, "failed to scan poll signal")
		}
		if s.ReceivedAt, err = db.ParseTime(receivedAt); err != nil {
			return nil, err
		}
		s.Caller = caller.String
		s.Outcome = Outcome(outcome)
		s.Error = errText.String
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "iterate poll signals")
}
