// Package health provides composable liveness and readiness probes.
//
// A [Probe] is evaluated at request time; nil means OK, non-nil carries the
// failure reason. Probes compose with [All] (AND semantics). [ShutdownGate]
// flips readiness off during drain so the ops endpoint reports not-ready
// before in-flight publish attempts finish.
package health

import (
	"context"
	"sync/atomic"

	"github.com/fleetpack/fleetpack/internal/xerrors"
)

// Probe reports whether a subsystem is currently usable.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe with a constant outcome.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes only if every probe passes, returning the first failure.
// Nil probes are skipped.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// ShutdownGate flips readiness to false while the daemon drains.
// The zero value is open (ready).
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

// Set closes the gate with the given reason.
func (g *ShutdownGate) Set(reason string) {
	g.draining.Store(true)
	g.reason.Store(reason)
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() {
	g.draining.Store(false)
	g.reason.Store("")
}

// Probe returns a readiness probe reflecting the gate's current state.
func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "draining"
		}
		return xerrors.New(r)
	}
}
