package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreflowhq/coreflow/internal/jobqueue"
	"github.com/coreflowhq/coreflow/internal/notify"
	"github.com/coreflowhq/coreflow/internal/platform/logger"
	"github.com/coreflowhq/coreflow/internal/platform/metrics"
	"github.com/coreflowhq/coreflow/internal/registry"
	"github.com/coreflowhq/coreflow/internal/store"
)

// Default knobs applied at enqueue time when the caller leaves them zero.
const (
	DefaultAttempts   = 3
	DefaultDeferTime  = 60 * time.Second
	DefaultZombieTime = 5 * time.Minute
)

// Service is the Queue Service: every public queue operation named in
// spec.md §4.1, implemented against a store.Adapter. It holds no mutable
// state of its own, so one *Service can be constructed independently (but
// identically) in every daemon process, or shared within one process by
// the worker, scheduler, and control surface.
type Service struct {
	st       store.Adapter
	reg      *registry.Registry
	log      *logger.Logger
	metrics  *metrics.Collector
	notifier notify.Notifier
}

// New builds a Service. reg, m, and notifier may be nil; a nil notifier is
// treated as notify.Noop{} and a nil metrics.Collector disables recording.
func New(st store.Adapter, reg *registry.Registry, log *logger.Logger, m *metrics.Collector, notifier notify.Notifier) *Service {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Service{st: st, reg: reg, log: log.With("component", "queue.Service"), metrics: m, notifier: notifier}
}

// EnqueueInput is the set of caller-supplied fields for Enqueue; zero
// values fall back to the defaults above.
type EnqueueInput struct {
	Name       string
	Args       map[string]any
	Priority   int
	Force      bool
	Attempts   int
	Username   string
	DeferTime  time.Duration
	WallTime   time.Duration
	ZombieTime time.Duration
	Schedule   string
}

// Enqueue validates that Name is resolvable in the registry (when one is
// wired) and that (Name, Args) does not already exist in a non-terminal
// state unless Force is set, then persists a fresh PENDING job record.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (*jobqueue.Record, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: empty job name", ErrSetup)
	}
	if s.reg != nil {
		if _, ok := s.reg.Get(in.Name); !ok {
			return nil, fmt.Errorf("%w: unregistered job name %q", ErrSetup, in.Name)
		}
	}

	hash := jobqueue.ArgsHash(in.Name, in.Args)
	if !in.Force {
		existing, err := s.st.FindActiveByNameArgsHash(ctx, in.Name, hash)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %s(%v) already active as %s", ErrDuplicateJob, in.Name, in.Args, existing.ID)
		}
	}

	now, err := s.st.Now(ctx)
	if err != nil {
		return nil, err
	}

	attempts := in.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	deferTime := in.DeferTime
	if deferTime <= 0 {
		deferTime = DefaultDeferTime
	}
	zombieTime := in.ZombieTime
	if zombieTime <= 0 {
		zombieTime = DefaultZombieTime
	}

	rec := &jobqueue.Record{
		ID:           jobqueue.NewID(),
		Name:         in.Name,
		Args:         in.Args,
		State:        jobqueue.Pending,
		Priority:     in.Priority,
		Attempts:     attempts,
		AttemptsLeft: attempts,
		Force:        in.Force,
		Enqueued:     jobqueue.Enqueued{Username: in.Username, At: now},
		Schedule:     in.Schedule,
		DeferTime:    deferTime.Seconds(),
		WallTime:     in.WallTime.Seconds(),
		ZombieTime:   zombieTime.Seconds(),
		QueryAt:      now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.st.InsertJob(ctx, rec); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordEnqueue()
	}
	s.publish(ctx, notify.EventEnqueued, rec, "")
	return rec, nil
}

// LoadJob fetches the job record and resolves its Handler from the
// registry, mapping store.ErrNotFound to ErrNotFound and an unregistered
// name to ErrSetup (the Go analogue of the reference's ClassLoadError).
func (s *Service) LoadJob(ctx context.Context, id jobqueue.ID) (*jobqueue.Record, registry.Handler, error) {
	rec, err := s.getJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if s.reg == nil {
		return rec, nil, nil
	}
	h, ok := s.reg.Get(rec.Name)
	if !ok {
		return rec, nil, fmt.Errorf("%w: no handler registered for %q", ErrSetup, rec.Name)
	}
	return rec, h, nil
}

func (s *Service) getJob(ctx context.Context, id jobqueue.ID) (*jobqueue.Record, error) {
	rec, err := s.st.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// JobDetail is an alias for getJob exposed to the control surface.
func (s *Service) JobDetail(ctx context.Context, id jobqueue.ID) (*jobqueue.Record, error) {
	return s.getJob(ctx, id)
}

// LockJob is the mutual-exclusion primitive: it succeeds only if no lock
// currently exists for id.
func (s *Service) LockJob(ctx context.Context, id jobqueue.ID, workerID string) (bool, error) {
	now, err := s.st.Now(ctx)
	if err != nil {
		return false, err
	}
	return s.st.InsertLockIfAbsent(ctx, id, workerID, now)
}

// UnlockJob removes the lock record. Idempotent: unlocking an already
// unlocked job is not an error.
func (s *Service) UnlockJob(ctx context.Context, id jobqueue.ID) error {
	return s.st.DeleteLock(ctx, id)
}

// Heartbeat refreshes the lock heartbeat for a job this worker still owns.
func (s *Service) Heartbeat(ctx context.Context, id jobqueue.ID, workerID string) error {
	now, err := s.st.Now(ctx)
	if err != nil {
		return err
	}
	return s.st.UpdateFields(ctx, id, map[string]any{
		"locked": jobqueue.Lock{WorkerID: workerID, Heartbeat: now},
	})
}

// Progress records a fractional completion value and message. Implements
// runctx.Reporter so job code can call it through the executor's Context.
func (s *Service) Progress(ctx context.Context, id jobqueue.ID, value float64, message string) error {
	now, err := s.st.Now(ctx)
	if err != nil {
		return err
	}
	return s.st.UpdateFields(ctx, id, map[string]any{
		"progress": jobqueue.Progress{Value: value, Message: message, At: now},
	})
}

// ClaimNext runs the claim algorithm of spec.md §4.1: locate the
// highest-priority, earliest-enqueued claimable job not gated by
// maintenance or halt (unless the job is Force), and atomically transition
// it to RUNNING under workerID's lock. Returns (nil, nil) when nothing is
// claimable.
func (s *Service) ClaimNext(ctx context.Context, workerID string) (*jobqueue.Record, error) {
	now, err := s.st.Now(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.st.ClaimNext(ctx, workerID, now)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if s.metrics != nil {
		s.metrics.RecordDispatch()
	}
	s.publish(ctx, notify.EventClaimed, rec, "")
	return rec, nil
}

// SetComplete applies the COMPLETE terminal transition. attempts_left must
// already reflect the executor's post-run decrement (see §9 Open Question
// 1: attempts are consumed only after user code returns, never here).
func (s *Service) SetComplete(ctx context.Context, job *jobqueue.Record) error {
	now, err := s.st.Now(ctx)
	if err != nil {
		return err
	}
	runtime := job.Runtime
	if job.StartedAt != nil {
		runtime += now.Sub(*job.StartedAt).Seconds()
	}
	if err := s.st.UpdateFields(ctx, job.ID, map[string]any{
		"state":         jobqueue.Complete,
		"finished_at":   now,
		"runtime":       runtime,
		"attempts_left": job.AttemptsLeft,
		"locked":        nil,
	}); err != nil {
		return err
	}
	if err := s.st.ArchiveJob(ctx, job.ID); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordCompleted(runtime)
	}
	job.State = jobqueue.Complete
	s.publish(ctx, notify.EventComplete, job, "")
	return nil
}

// SetDefer applies the DEFERRED transition. attempts_left is never
// decremented on this path (spec.md §4.1, §9 Open Question 1): a job
// requesting a retry is not "using up" an attempt.
func (s *Service) SetDefer(ctx context.Context, job *jobqueue.Record, after time.Duration) error {
	now, err := s.st.Now(ctx)
	if err != nil {
		return err
	}
	deferAfter := time.Duration(job.DeferTime * float64(time.Second))
	if after > 0 {
		deferAfter = after
	}
	if err := s.st.UpdateFields(ctx, job.ID, map[string]any{
		"state":    jobqueue.Deferred,
		"query_at": now.Add(deferAfter),
		"locked":   nil,
	}); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordDeferred()
	}
	job.State = jobqueue.Deferred
	s.publish(ctx, notify.EventDeferred, job, "")
	return nil
}

// SetFailed applies the FAILED-or-ERROR transition depending on the job's
// (already-decremented) attempts_left: FAILED with a retry deadline if
// attempts remain, or the terminal ERROR state once exhausted.
func (s *Service) SetFailed(ctx context.Context, job *jobqueue.Record, cause error) error {
	now, err := s.st.Now(ctx)
	if err != nil {
		return err
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if job.AttemptsLeft > 0 {
		if err := s.st.UpdateFields(ctx, job.ID, map[string]any{
			"state":         jobqueue.Failed,
			"query_at":      now.Add(time.Duration(job.DeferTime * float64(time.Second))),
			"attempts_left": job.AttemptsLeft,
			"locked":        nil,
		}); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.RecordFailed()
		}
		job.State = jobqueue.Failed
		s.publish(ctx, notify.EventFailed, job, msg)
		return nil
	}

	if err := s.st.UpdateFields(ctx, job.ID, map[string]any{
		"state":         jobqueue.Error,
		"finished_at":   now,
		"attempts_left": job.AttemptsLeft,
		"locked":        nil,
	}); err != nil {
		return err
	}
	if err := s.st.ArchiveJob(ctx, job.ID); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordErrored()
	}
	job.State = jobqueue.Error
	s.publish(ctx, notify.EventError, job, msg)
	return nil
}

// RemoveJob sets removed_at. A job not currently RUNNING is archived
// immediately (INACTIVE); a RUNNING job is left for its owning worker to
// observe removed_at at the next reap tick, terminate the child, and
// archive it. Idempotent: removing an already-removed job is a no-op.
func (s *Service) RemoveJob(ctx context.Context, id jobqueue.ID) error {
	rec, err := s.getJob(ctx, id)
	if err != nil {
		return err
	}
	if rec.RemovedAt != nil {
		return nil
	}
	now, err := s.st.Now(ctx)
	if err != nil {
		return err
	}
	applied, err := s.st.UpdateFieldsUnlessState(ctx, id, []jobqueue.State{jobqueue.Running}, map[string]any{
		"removed_at": now,
		"state":      jobqueue.Inactive,
	})
	if err != nil {
		return err
	}
	if !applied {
		// Either already RUNNING, or became RUNNING between getJob and
		// here; either way the owning worker reaps it at its next tick.
		return s.st.UpdateFields(ctx, id, map[string]any{"removed_at": now})
	}
	return s.st.ArchiveJob(ctx, id)
}

// RestartJob rejects RUNNING jobs (§9 Open Question 2) and KILLED jobs.
// Otherwise it
// archives the existing record (if still in the queue) and enqueues a
// fresh instance with the same (name, args), returning the new record.
func (s *Service) RestartJob(ctx context.Context, id jobqueue.ID) (*jobqueue.Record, error) {
	rec, err := s.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State == jobqueue.Running {
		return nil, fmt.Errorf("%w: job %s is RUNNING", ErrInvalidState, id)
	}
	if rec.State == jobqueue.Killed {
		return nil, fmt.Errorf("%w: job %s is KILLED", ErrInvalidState, id)
	}
	if !rec.State.Terminal() {
		applied, err := s.st.UpdateFieldsUnlessState(ctx, id, []jobqueue.State{jobqueue.Running}, map[string]any{
			"state": jobqueue.Inactive,
		})
		if err != nil {
			return nil, err
		}
		if !applied {
			return nil, fmt.Errorf("%w: job %s is RUNNING", ErrInvalidState, id)
		}
		if err := s.st.ArchiveJob(ctx, id); err != nil {
			return nil, err
		}
	}
	return s.Enqueue(ctx, EnqueueInput{
		Name: rec.Name, Args: rec.Args, Priority: rec.Priority, Force: true,
		Attempts: rec.Attempts, Username: rec.Enqueued.Username,
		DeferTime:  time.Duration(rec.DeferTime * float64(time.Second)),
		WallTime:   time.Duration(rec.WallTime * float64(time.Second)),
		ZombieTime: time.Duration(rec.ZombieTime * float64(time.Second)),
		Schedule:   rec.Schedule,
	})
}

// KillJob sets killed_at. A job not owned by a worker (not RUNNING) is
// finalized to KILLED immediately; a RUNNING job is left for the owning
// worker to terminate its child at the next observe tick.
func (s *Service) KillJob(ctx context.Context, id jobqueue.ID) error {
	rec, err := s.getJob(ctx, id)
	if err != nil {
		return err
	}
	if rec.KilledAt != nil {
		return nil
	}
	now, err := s.st.Now(ctx)
	if err != nil {
		return err
	}
	applied, err := s.st.UpdateFieldsUnlessState(ctx, id, []jobqueue.State{jobqueue.Running}, map[string]any{
		"killed_at": now,
		"state":     jobqueue.Killed,
	})
	if err != nil {
		return err
	}
	if !applied {
		return s.st.UpdateFields(ctx, id, map[string]any{"killed_at": now})
	}
	if err := s.st.ArchiveJob(ctx, id); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordKilled()
	}
	s.publish(ctx, notify.EventKilled, rec, "")
	return nil
}

// ReclaimZombie finalizes a RUNNING job whose owning daemon is gone: it
// applies the FAILED-or-ERROR transition SetFailed would, without
// decrementing attempts_left (spec.md §9 Open Question 1: a zombie-sweep
// reclaim never consumes an attempt, same as a deferral — only a claimed
// executor that actually starts user code decrements, in the executor
// itself), and removes the orphaned lock row directly, since there is no
// executor left to do so itself.
func (s *Service) ReclaimZombie(ctx context.Context, job *jobqueue.Record) error {
	if err := s.SetFailed(ctx, job, fmt.Errorf("worker: owning daemon is gone, reclaiming job")); err != nil {
		return err
	}
	return s.st.DeleteLock(ctx, job.ID)
}

// FinalizeKilled transitions a RUNNING job whose child the worker has just
// killed (observing killed_at) into the terminal KILLED state and archives
// it. The lock row itself is removed by the caller, mirroring the
// executor's own unlock-on-every-exit-path discipline.
func (s *Service) FinalizeKilled(ctx context.Context, job *jobqueue.Record) error {
	now, err := s.st.Now(ctx)
	if err != nil {
		return err
	}
	if err := s.st.UpdateFields(ctx, job.ID, map[string]any{
		"state":       jobqueue.Killed,
		"finished_at": now,
	}); err != nil {
		return err
	}
	if err := s.st.ArchiveJob(ctx, job.ID); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordKilled()
	}
	job.State = jobqueue.Killed
	s.publish(ctx, notify.EventKilled, job, "")
	return nil
}

// FinalizeRemoved transitions a RUNNING job whose child the worker has just
// killed in response to removed_at into INACTIVE and archives it.
func (s *Service) FinalizeRemoved(ctx context.Context, job *jobqueue.Record) error {
	now, err := s.st.Now(ctx)
	if err != nil {
		return err
	}
	if err := s.st.UpdateFields(ctx, job.ID, map[string]any{
		"state":       jobqueue.Inactive,
		"finished_at": now,
	}); err != nil {
		return err
	}
	if err := s.st.ArchiveJob(ctx, job.ID); err != nil {
		return err
	}
	job.State = jobqueue.Inactive
	return nil
}

// MarkZombieAt flags a RUNNING job whose lock heartbeat has gone stale,
// without terminating it — spec.md §4.2 step 4 makes the owning worker
// responsible for that.
func (s *Service) MarkZombieAt(ctx context.Context, id jobqueue.ID, at time.Time) error {
	return s.st.UpdateFields(ctx, id, map[string]any{"zombie_at": at})
}

// MarkWallAt flags a RUNNING job that has exceeded its configured wall
// time.
func (s *Service) MarkWallAt(ctx context.Context, id jobqueue.ID, at time.Time) error {
	return s.st.UpdateFields(ctx, id, map[string]any{"wall_at": at})
}

// Maintenance reports whether the global (project == "") or a specific
// project's maintenance flag is set.
func (s *Service) Maintenance(ctx context.Context, project string) (bool, error) {
	return s.st.GetMaintenance(ctx, project)
}

func (s *Service) EnterMaintenance(ctx context.Context, project string) error {
	return s.st.SetMaintenance(ctx, project, true)
}

func (s *Service) LeaveMaintenance(ctx context.Context, project string) error {
	return s.st.SetMaintenance(ctx, project, false)
}

// Halt sets the global halt flag every daemon observes at its next tick.
func (s *Service) Halt(ctx context.Context) error {
	return s.st.SetHalt(ctx, true)
}

func (s *Service) Halted(ctx context.Context) (bool, error) {
	return s.st.GetHalt(ctx)
}

// GetDaemons enumerates every registered daemon record.
func (s *Service) GetDaemons(ctx context.Context) ([]*store.DaemonRecord, error) {
	return s.st.ListDaemons(ctx)
}

func (s *Service) UpsertDaemon(ctx context.Context, rec *store.DaemonRecord) error {
	return s.st.UpsertDaemon(ctx, rec)
}

func (s *Service) RemoveDaemon(ctx context.Context, name string) error {
	return s.st.DeleteDaemon(ctx, name)
}

// GetJobListing returns the job records matching filter, used by
// `--listing`/`--info`.
func (s *Service) GetJobListing(ctx context.Context, filter store.JobFilter) ([]*jobqueue.Record, error) {
	return s.st.ListJobs(ctx, filter)
}

func (s *Service) GetJobStdout(ctx context.Context, id jobqueue.ID) (string, string, error) {
	return s.st.GetStdout(ctx, id)
}

func (s *Service) SaveStdout(ctx context.Context, id jobqueue.ID, stdout, stderr string) error {
	return s.st.SaveStdout(ctx, id, stdout, stderr)
}

// ResolveByIDOrName turns a CLI token into a set of job ids: the token
// itself if it parses as an ID, or every non-terminal job whose name
// equals the token otherwise. Grounded on `coco.py`'s `_handle` generator.
func (s *Service) ResolveByIDOrName(ctx context.Context, token string) ([]jobqueue.ID, error) {
	if id, err := jobqueue.ParseID(token); err == nil {
		return []jobqueue.ID{id}, nil
	}
	jobs, err := s.st.ListJobs(ctx, store.JobFilter{Name: token})
	if err != nil {
		return nil, err
	}
	out := make([]jobqueue.ID, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out, nil
}

func (s *Service) publish(ctx context.Context, kind notify.EventKind, rec *jobqueue.Record, message string) {
	if s.notifier == nil {
		return
	}
	ev := notify.Event{Kind: kind, JobID: rec.ID, Name: rec.Name, State: rec.State, At: time.Now(), Message: message}
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.log.Warn("notify publish failed", "kind", kind, "job_id", rec.ID.String(), "error", err)
	}
}
