package build

import (
	"fmt"

	"github.com/mirakim/forgeplan/pkg/action"
)

// The six error kinds this executor can terminate with. Each carries
// enough context to reconstruct a user-facing summary without
// consulting global state.

// CycleError is raised by Graph.CheckAcyclic; fatal, pre-execution.
type CycleError struct {
	Summary string
}

func (e *CycleError) Error() string { return "cycle detected: " + e.Summary }

// ForkUnsafeError is raised when CanFork is false at execution start. It
// is not fatal: the scheduler degrades to the serial fallback.
type ForkUnsafeError struct {
	Reason string
}

func (e *ForkUnsafeError) Error() string { return "fork unsafe: " + e.Reason }

// WorkerCrashedError records a worker that exited with no usable result
// file: either a nonzero exit status, or a missing/unparseable result.
type WorkerCrashedError struct {
	Key action.Key
	ExitStatus int
	Reason string
}

func (e *WorkerCrashedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("worker for %s crashed: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("worker for %s crashed: exit status %d", e.Key, e.ExitStatus)
}

// ActionFailedError records an action whose worker exited cleanly but
// reported failure (a :condition in the result record, or a synchronous
// retry that itself failed).
type ActionFailedError struct {
	Key action.Key
	Description string
	Cause error
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("action failed: %s: %v", e.Description, e.Cause)
}

func (e *ActionFailedError) Unwrap() error { return e.Cause }

// OracleError wraps a fatal error raised by the dependency oracle during
// plan construction.
type OracleError struct {
	Key action.Key
	Cause error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("dependency oracle failed for %s: %v", e.Key, e.Cause)
}

func (e *OracleError) Unwrap() error { return e.Cause }

// IoError wraps a result-file, breadcrumb-file, or persistent-state-store
// access failure.
type IoError struct {
	Path string
	Cause error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error at %s: %v", e.Path, e.Cause)
}

func (e *IoError) Unwrap() error { return e.Cause }
