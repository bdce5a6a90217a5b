// Package trigger holds the entry points that start executions: the
// periodic poll, manual user actions and inbound webhook events. Adapters
// authenticate and record; scheduling and execution live in scheduler and
// executor.
package trigger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sendloop/sendloop/clock"
	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/executor"
	"github.com/sendloop/sendloop/health"
	"github.com/sendloop/sendloop/logger"
)

// Poller runs due jobs.
type Poller interface {
	PollAndExecute(ctx context.Context, asOf time.Time) (executor.Summary, error)
}

// SignalRecorder persists poll signals.
type SignalRecorder interface {
	RecordSignal(ctx context.Context, sig *health.Signal) error
}

// PollTrigger is the periodic poll entry point.
type PollTrigger struct {
	poller  Poller
	signals SignalRecorder
	clock   clock.Clock
	logger  *zap.SugaredLogger
}

// NewPollTrigger creates a poll trigger.
func NewPollTrigger(poller Poller, signals SignalRecorder, clk clock.Clock, logger *zap.SugaredLogger) *PollTrigger {
	return &PollTrigger{poller: poller, signals: signals, clock: clk, logger: logger}
}

// Run polls once on behalf of caller. A signal is recorded for every
// invocation, including failed and panicking ones.
func (p *PollTrigger) Run(ctx context.Context, caller string) (sum executor.Summary, err error) {
	asOf := p.clock.Now()
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("poll panic: %v", r)
		}

		sig := &health.Signal{
			Source:       health.SourcePoll,
			Caller:       caller,
			ReceivedAt:   asOf,
			TotalJobs:    sum.Total,
			ExecutedJobs: sum.Executed,
			RetriedJobs:  sum.Retried,
			FailedJobs:   sum.Failed,
			DurationMS:   time.Since(started).Milliseconds(),
		}
		if err != nil {
			sig.Error = err.Error()
		}
		// The signal must land even when the caller went away
		if recErr := p.signals.RecordSignal(context.WithoutCancel(ctx), sig); recErr != nil {
			p.logger.Errorw("Failed to record poll signal",
				logger.FieldCaller, caller,
				logger.FieldError, recErr)
		}
	}()

	sum, err = p.poller.PollAndExecute(ctx, asOf)
	if err != nil {
		p.logger.Errorw("Poll failed", logger.FieldCaller, caller, logger.FieldError, err)
	}
	return sum, err
}
