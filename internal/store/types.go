// Package store is the Store Adapter: it abstracts the coordination
// medium (a Postgres table standing in for the "document store" the
// design assumes) behind insert-if-absent, conditional find-and-modify,
// sorted filtered query, and a monotonic server clock.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/coreflowhq/coreflow/internal/jobqueue"
)

// Sentinel errors the Queue Service maps onto its own error kinds.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// DaemonKind identifies which daemon role a DaemonRecord describes.
type DaemonKind string

const (
	KindWorker    DaemonKind = "worker"
	KindScheduler DaemonKind = "scheduler"
	KindApp       DaemonKind = "app"
)

// DaemonRecord mirrors the Daemon Record in the data model: identity,
// liveness, and loop counters updated once per tick.
type DaemonRecord struct {
	Name      string     `json:"name"`
	Kind      DaemonKind `json:"kind"`
	PID       int        `json:"pid"`
	Hostname  string     `json:"hostname"`
	StartedAt time.Time  `json:"started_at"`
	Loop      int64      `json:"loop"`
	LoopTime  time.Time  `json:"loop_time"`
	Heartbeat time.Time  `json:"heartbeat"`
	Halted    bool       `json:"halted"`
}

// JobFilter selects jobs for ListJobs.
type JobFilter struct {
	States         []jobqueue.State
	Name           string
	IncludeJournal bool
}

// Adapter is every primitive the rest of coreflow needs from the
// coordination store. A Postgres/GORM implementation (Postgres) and an
// in-memory fake (Memory, for tests) both satisfy it.
type Adapter interface {
	// Now returns the store's own clock, not the caller's, so timestamp
	// comparisons are immune to clock skew between daemon hosts.
	Now(ctx context.Context) (time.Time, error)

	InsertJob(ctx context.Context, rec *jobqueue.Record) error
	GetJob(ctx context.Context, id jobqueue.ID) (*jobqueue.Record, error)
	FindActiveByNameArgsHash(ctx context.Context, name, argsHash string) (*jobqueue.Record, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*jobqueue.Record, error)

	// UpdateFields applies an unconditional update, used for
	// administrative flag sets (removed_at, killed_at) that are valid
	// from any state.
	UpdateFields(ctx context.Context, id jobqueue.ID, updates map[string]any) error

	// UpdateFieldsUnlessState is the conditional find-and-modify
	// primitive: it applies updates only if the job's current state is
	// not among disallowed, returning applied=false (not an error) when
	// the condition failed, so callers can surface store.ErrConflict.
	UpdateFieldsUnlessState(ctx context.Context, id jobqueue.ID, disallowed []jobqueue.State, updates map[string]any) (applied bool, err error)

	// ClaimNext runs the claim algorithm: locate the highest-priority,
	// earliest-enqueued claimable job not gated by maintenance, and
	// atomically transition it to RUNNING under that worker's lock.
	// Returns (nil, nil) when no job is claimable.
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*jobqueue.Record, error)

	// InsertLockIfAbsent is the mutual-exclusion primitive: it succeeds
	// (true) only if no lock row already exists for id.
	InsertLockIfAbsent(ctx context.Context, id jobqueue.ID, workerID string, now time.Time) (bool, error)
	DeleteLock(ctx context.Context, id jobqueue.ID) error

	// ArchiveJob moves a terminal job from the queue collection to the
	// journal collection.
	ArchiveJob(ctx context.Context, id jobqueue.ID) error

	UpsertDaemon(ctx context.Context, rec *DaemonRecord) error
	DeleteDaemon(ctx context.Context, name string) error
	ListDaemons(ctx context.Context) ([]*DaemonRecord, error)

	GetMaintenance(ctx context.Context, project string) (bool, error)
	SetMaintenance(ctx context.Context, project string, enabled bool) error
	GetHalt(ctx context.Context) (bool, error)
	SetHalt(ctx context.Context, enabled bool) error

	SaveStdout(ctx context.Context, id jobqueue.ID, stdout, stderr string) error
	GetStdout(ctx context.Context, id jobqueue.ID) (stdout, stderr string, err error)
}
