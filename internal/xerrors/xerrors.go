// Package xerrors provides error construction and wrapping with
// program-counter capture, so the log package can render call sites
// and stacks without errors carrying pre-formatted strings around.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// traced carries a full captured stack. Produced by New/Newf/WithStack.
type traced struct {
	err error
	pcs []uintptr
}

func (t *traced) Error() string       { return t.err.Error() }
func (t *traced) Unwrap() error       { return t.err }
func (t *traced) StackPCs() []uintptr { return t.pcs }
func (t *traced) isXerrors()          {}

// annotated carries a message and the single PC of the wrap site.
// Produced by Wrap/Wrapf.
type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (a *annotated) Error() string { return a.msg + ": " + a.err.Error() }
func (a *annotated) Unwrap() error { return a.err }
func (a *annotated) PC() uintptr   { return a.pc }
func (a *annotated) isXerrors()    {}

func capturePCs(skip int) []uintptr {
	const maxDepth = 64
	pcs := make([]uintptr, maxDepth)
	// 2 skips runtime.Callers and capturePCs themselves
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func capturePC(skip int) uintptr {
	var pcs [1]uintptr
	if n := runtime.Callers(2+skip, pcs[:]); n == 0 {
		return 0
	}
	return pcs[0]
}

func traceSkip(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &traced{err: err, pcs: capturePCs(skip)}
}

// New returns a new error with a captured stack.
func New(msg string) error { return traceSkip(errors.New(msg), 2) }

// Newf returns a new formatted error with a captured stack. %w works.
func Newf(format string, args ...any) error {
	return traceSkip(fmt.Errorf(format, args...), 2)
}

// Wrap annotates err with msg and the wrap call site. Returns nil for nil err.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: capturePC(1)}
}

// Wrapf annotates err with a formatted message and the wrap call site.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: capturePC(1)}
}

// WithStack attaches a captured stack to err without changing its message.
func WithStack(err error) error { return traceSkip(err, 2) }

// EnsureTrace attaches a stack only if the chain does not already carry one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	type hasStack interface{ StackPCs() []uintptr }
	var hs hasStack
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return traceSkip(err, 2)
}
