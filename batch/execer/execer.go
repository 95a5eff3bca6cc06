// Package execer defines the extension point where per-file ingestion work
// plugs into the batch scheduler. An Execer processes exactly one job; it
// knows nothing about queues, workers or batches.
package execer

import (
	"context"
	"fmt"

	"github.com/openkb/kbatch/batch/domain"
)

// ProgressFunc reports percent complete (0-100). Implementations must call it
// with non-decreasing values; the scheduler publishes the latest value on the
// next tick.
type ProgressFunc func(percent int)

// Execer processes one file job. Implementations must be cooperative: between
// units of work they must honor ctx cancellation and return promptly with
// context.Cause(ctx), which the scheduler sets to an *Interrupted when a job
// is paused or cancelled.
type Execer interface {
	Exec(ctx context.Context, job domain.Job, progress ProgressFunc) (*domain.Result, error)
}

// InterruptReason distinguishes the two cooperative interruption signals.
type InterruptReason int

const (
	ReasonPaused InterruptReason = iota
	ReasonCancelled
)

func (r InterruptReason) String() string {
	if r == ReasonPaused {
		return "paused"
	}
	return "cancelled"
}

// Interrupted is the cancellation cause used for pause/cancel. It is not a
// job failure and must never consume a retry attempt.
type Interrupted struct {
	Reason InterruptReason
}

func (e *Interrupted) Error() string {
	return fmt.Sprintf("execution interrupted: %s", e.Reason)
}

// AsInterrupted returns the *Interrupted in err's chain, if any.
func AsInterrupted(err error) (*Interrupted, bool) {
	for err != nil {
		if ie, ok := err.(*Interrupted); ok {
			return ie, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
