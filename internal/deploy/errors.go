package deploy

import "fmt"

// StageError tags a failure with the pipeline stage it happened in. The
// chain below it carries the typed cause (IntegrityError, BlockUploadError,
// APIError, TimeoutError, CommitFailedError).
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// CommitFailedError is a file commit the service marked failed and whose
// parent application state did not contradict the signal.
type CommitFailedError struct {
	State       string // the file uploadState observed
	ParentState string // the application publishingState at cross-check time
}

func (e *CommitFailedError) Error() string {
	return fmt.Sprintf("file commit failed (uploadState %s, application state %q)", e.State, e.ParentState)
}
