// Package poll runs a state check against a remote resource until it
// reports a terminal outcome, under a fixed-delay bounded-attempt policy.
// Every waiting loop in the pipeline (block upload retries, storage URI
// waits, commit state, publishing state) goes through Run, differing only
// in policy values and the check itself.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetpack/fleetpack/internal/log"
	"github.com/fleetpack/fleetpack/internal/xerrors"
)

// Class is the outcome of one Check call.
type Class int

const (
	// Transient means not done yet: wait and check again.
	Transient Class = iota
	// Succeeded ends the loop successfully.
	Succeeded
	// Failed ends the loop with an error and no further attempts.
	Failed
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ErrFailed marks a terminal failure whose check supplied no error of its
// own, so callers can still branch with errors.Is.
var ErrFailed = errors.New("terminal failure")

// TimeoutError reports a loop that used up its attempts with every check
// still transient.
type TimeoutError struct {
	Op        string
	Attempts  int
	LastState string
	cause     error
}

func (e *TimeoutError) Error() string {
	s := fmt.Sprintf("%s: no terminal state after %d attempts", e.Op, e.Attempts)
	if e.LastState != "" {
		s += fmt.Sprintf(", last state %q", e.LastState)
	}
	return s
}

func (e *TimeoutError) Unwrap() error { return e.cause }

// Policy bounds one poll loop.
type Policy struct {
	Delay       time.Duration // wait between attempts, not before the first
	MaxAttempts int
}

// Metrics is the subset of the pipeline metrics the loop feeds.
type Metrics interface {
	IncPollAttempt(op string)
	IncPollTimeout(op string)
}

// Check inspects the resource once. The state string is caller-defined and
// shows up in logs and timeout errors. An error alongside Transient is a
// failed fetch: it burns the attempt and the loop keeps going.
type Check func(ctx context.Context) (Class, string, error)

// Request describes one poll loop.
type Request struct {
	Op      string
	Policy  Policy
	Logger  log.Logger
	Metrics Metrics
	Check   Check
}

// Run drives req.Check until Succeeded, Failed, context cancellation, or
// the attempt budget runs out.
func Run(ctx context.Context, req Request) error {
	if req.Check == nil {
		return xerrors.New("poll: nil check")
	}
	L := req.Logger
	if L == nil {
		L = log.Nop()
	}
	maxAttempts := req.Policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastState string
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 1 {
			t := time.NewTimer(req.Policy.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		if req.Metrics != nil {
			req.Metrics.IncPollAttempt(req.Op)
		}
		class, state, err := req.Check(ctx)
		switch class {
		case Succeeded:
			L.Debug(ctx, "poll finished", "op", req.Op, "attempts", attempt, "state", state)
			return nil
		case Failed:
			if err == nil {
				err = xerrors.Wrapf(ErrFailed, "%s: state %q", req.Op, state)
			}
			return err
		default:
			lastState, lastErr = state, err
			if err != nil {
				L.Warn(ctx, "poll attempt failed", "op", req.Op, "attempt", attempt, "max_attempts", maxAttempts, "error", err)
			} else {
				L.Debug(ctx, "still waiting", "op", req.Op, "attempt", attempt, "max_attempts", maxAttempts, "state", state)
			}
		}
	}

	if req.Metrics != nil {
		req.Metrics.IncPollTimeout(req.Op)
	}
	return &TimeoutError{Op: req.Op, Attempts: maxAttempts, LastState: lastState, cause: lastErr}
}
