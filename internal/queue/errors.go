// Package queue implements the Queue Service: the public operations every
// daemon and the control surface use to mutate and read job records. It is
// reentrant and holds no state beyond a store.Adapter handle, so the same
// *Service can be shared by a worker, a scheduler, and CLI callers in one
// process, or constructed independently in each daemon process.
package queue

import "errors"

// Error kinds the Queue Service returns. Callers use errors.Is against
// these sentinels rather than matching on message text.
var (
	// ErrNotFound means no job/daemon/record matches the given id or name.
	ErrNotFound = errors.New("queue: not found")
	// ErrConflict means the store's atomic condition failed; the caller
	// (always a daemon loop) should treat this as transient and retry on
	// its next tick, never surface it as a hard failure.
	ErrConflict = errors.New("queue: conflict")
	// ErrDuplicateJob means enqueue would create a second non-terminal
	// instance of (name, args) and force was not set.
	ErrDuplicateJob = errors.New("queue: duplicate job")
	// ErrInvalidState means the requested operation does not apply to the
	// job's current state (e.g. restart on a RUNNING job).
	ErrInvalidState = errors.New("queue: invalid state for operation")
	// ErrSetup means a fatal configuration or registry-resolution error,
	// not retryable.
	ErrSetup = errors.New("queue: setup error")
)
