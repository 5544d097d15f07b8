// Package jobqueue holds the job record type, its state machine, and the
// errors job implementations raise to request a deferral.
package jobqueue

import (
	"time"
)

// State is one of the eight job lifecycle states.
type State string

const (
	Pending  State = "pending"
	Running  State = "running"
	Deferred State = "deferred"
	Failed   State = "failed"
	Error    State = "error"
	Inactive State = "inactive"
	Complete State = "complete"
	Killed   State = "killed"
)

// Terminal reports whether s never transitions further.
func (s State) Terminal() bool {
	switch s {
	case Complete, Inactive, Error, Killed:
		return true
	default:
		return false
	}
}

// Claimable reports whether a job in state s is a candidate for the claim
// query (pending work, or a previous attempt eligible for retry).
func (s State) Claimable() bool {
	switch s {
	case Pending, Deferred, Failed:
		return true
	default:
		return false
	}
}

// Progress is the last progress report a running job made.
type Progress struct {
	Value   float64   `json:"value"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at,omitempty"`
}

// Lock is the ownership marker recorded on a RUNNING job.
type Lock struct {
	WorkerID  string    `json:"worker_id"`
	Heartbeat time.Time `json:"heartbeat"`
}

// Enqueued records who submitted a job and when.
type Enqueued struct {
	Username string    `json:"username"`
	At       time.Time `json:"at"`
}

// Record is a job: identity, definition, runtime attributes, and the flag
// timestamps that drive administrative transitions.
type Record struct {
	ID   ID             `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`

	State    State `json:"state"`
	Priority int   `json:"priority"`

	Attempts     int  `json:"attempts"`
	AttemptsLeft int  `json:"attempts_left"`
	Force        bool `json:"force"`

	Enqueued Enqueued `json:"enqueued"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Runtime    float64    `json:"runtime"`

	Lock *Lock `json:"locked,omitempty"`

	ZombieAt  *time.Time `json:"zombie_at,omitempty"`
	WallAt    *time.Time `json:"wall_at,omitempty"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
	KilledAt  *time.Time `json:"killed_at,omitempty"`

	Progress Progress `json:"progress"`

	Schedule string `json:"schedule,omitempty"`

	// DeferTime is the backoff, in seconds, before a DEFERRED or FAILED
	// job becomes claimable again.
	DeferTime float64 `json:"defer_time"`
	// WallTime, if > 0, is the runtime in seconds after which a RUNNING
	// job is marked WallAt.
	WallTime float64 `json:"wall_time,omitempty"`
	// ZombieTime is the heartbeat staleness, in seconds, after which a
	// RUNNING job is marked ZombieAt.
	ZombieTime float64 `json:"zombie_time"`

	// QueryAt is the earliest time at which a claimable job becomes a
	// claim candidate; it holds the defer/retry backoff deadline.
	QueryAt time.Time `json:"query_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Flags renders the one-letter flag tokens coco.py's listing prints:
// z=zombie, w=wall, r=removed, k=killed, in that fixed order.
func (r *Record) Flags() string {
	var out []byte
	if r.ZombieAt != nil {
		out = append(out, 'z')
	}
	if r.WallAt != nil {
		out = append(out, 'w')
	}
	if r.RemovedAt != nil {
		out = append(out, 'r')
	}
	if r.KilledAt != nil {
		out = append(out, 'k')
	}
	return string(out)
}

// JobDeferred is the error a job implementation returns to request that the
// executor apply a deferral instead of treating the return as a failure.
// Attempts are not consumed on this path (see package executor).
type JobDeferred struct {
	// After overrides the job's configured DeferTime when non-zero.
	After time.Duration
}

func (d JobDeferred) Error() string {
	if d.After > 0 {
		return "job deferred, retry after " + d.After.String()
	}
	return "job deferred"
}
