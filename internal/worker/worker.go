// Package worker implements the Worker Daemon: the poll/claim/spawn/
// observe/reap main loop of spec.md §4.2. Grounded on
// `jobs/worker/worker.go`'s runLoop (ticker-driven poll, heartbeat,
// panic recovery, safety-net failure handling), generalized from running
// handlers in-process to spawning a subprocess per job (spec.md §4.3/§9)
// and extended with zombie sweep, wall-time enforcement, and halt/
// maintenance gating the teacher's single-tenant worker doesn't need.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/coreflowhq/coreflow/internal/jobqueue"
	"github.com/coreflowhq/coreflow/internal/platform/ctxutil"
	"github.com/coreflowhq/coreflow/internal/platform/logger"
	"github.com/coreflowhq/coreflow/internal/platform/metrics"
	"github.com/coreflowhq/coreflow/internal/queue"
	"github.com/coreflowhq/coreflow/internal/store"
)

var tracer = otel.Tracer("github.com/coreflowhq/coreflow/internal/worker")

// Config are the worker's tunable knobs (spec.md §4.2 step 7 targets a
// 0.5-1.0s tick). The store-call timeout is a per-process knob; the zombie
// and wall-time limits are not configured here but read from each job
// record's zombie_time and wall_time.
type Config struct {
	ID           string
	Concurrency  int
	PollInterval time.Duration
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 750 * time.Millisecond
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

type inflightJob struct {
	job    *jobqueue.Record
	handle Handle
}

// Worker is one Worker Daemon instance. Its identifier follows spec.md §6:
// {hostname}:{kind}:{name or pid}.
type Worker struct {
	id      string
	svc     *queue.Service
	log     *logger.Logger
	metrics *metrics.Collector
	spawner Spawner

	cfg Config

	mu       sync.Mutex
	inFlight map[jobqueue.ID]*inflightJob
}

// New builds a Worker. identifier, if empty, is derived as
// "{hostname}:worker:{pid}" per spec.md §6.
func New(identifier string, svc *queue.Service, log *logger.Logger, m *metrics.Collector, spawner Spawner, cfg Config) *Worker {
	if identifier == "" {
		identifier = defaultIdentifier("worker")
	}
	if spawner == nil {
		spawner = &OSSpawner{}
	}
	return &Worker{
		id:       identifier,
		svc:      svc,
		log:      log.With("component", "worker.Worker", "worker_id", identifier),
		metrics:  m,
		spawner:  spawner,
		cfg:      cfg.withDefaults(),
		inFlight: make(map[jobqueue.ID]*inflightJob),
	}
}

func defaultIdentifier(kind string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%s:%d", host, kind, os.Getpid())
}

// ID returns the worker's daemon identifier.
func (w *Worker) ID() string { return w.id }

// Run is the daemon's main loop. It blocks until ctx is cancelled, then
// stops claiming, waits for in-flight children to finish (or be killed by
// wall/kill flags), removes its daemon record, and returns. Run never
// returns a non-nil error for transient store failures; those are logged
// and retried on the next tick per spec.md §7.
func (w *Worker) Run(ctx context.Context) error {
	registerCtx, cancel := context.WithTimeout(context.Background(), w.cfg.StoreTimeout)
	err := w.svc.UpsertDaemon(registerCtx, &store.DaemonRecord{
		Name: w.id, Kind: store.KindWorker, PID: os.Getpid(),
		Hostname: hostnameOrLocalhost(), StartedAt: time.Now(),
	})
	cancel()
	if err != nil {
		return fmt.Errorf("worker: register daemon: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), w.cfg.StoreTimeout)
		defer cancel()
		_ = w.svc.RemoveDaemon(cleanupCtx, w.id)
	}()

	var shuttingDown int32
	go func() {
		<-ctx.Done()
		atomic.StoreInt32(&shuttingDown, 1)
	}()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var loop int64
	for range ticker.C {
		loop++
		stopping := atomic.LoadInt32(&shuttingDown) == 1
		w.safeTick(loop, stopping)
		if stopping && w.inFlightCount() == 0 {
			return nil
		}
	}
	return nil
}

// safeTick recovers a panic in tick so the worker loop restarts on the
// next tick instead of crashing the daemon, per spec.md §7.
func (w *Worker) safeTick(loop int64, stopping bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker tick panic, continuing", "loop", loop, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.StoreTimeout)
	defer cancel()
	w.tick(ctx, loop, stopping)
}

func (w *Worker) tick(ctx context.Context, loop int64, stopping bool) {
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{RequestID: fmt.Sprintf("%s-loop-%d", w.id, loop)})
	ctx, span := tracer.Start(ctx, "worker.tick")
	defer span.End()
	log := w.log.WithContext(ctx)

	now := time.Now()
	if err := w.svc.UpsertDaemon(ctx, &store.DaemonRecord{
		Name: w.id, Kind: store.KindWorker, PID: os.Getpid(),
		Hostname: hostnameOrLocalhost(), StartedAt: now,
		Loop: loop, LoopTime: now, Heartbeat: now, Halted: stopping,
	}); err != nil {
		log.Warn("daemon record update failed", "error", err)
	}

	if !stopping {
		if halted, err := w.svc.Halted(ctx); err == nil && halted {
			stopping = true
		}
	}

	w.observe(ctx)
	w.reapZombies(ctx)

	if !stopping {
		w.claimAndSpawn(ctx)
	}
}

func (w *Worker) inFlightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}

// observe refreshes lock heartbeats for every job this worker holds,
// checks for kill/remove/wall-time flags, and reaps children that have
// already exited (spec.md §4.2 step 3).
func (w *Worker) observe(ctx context.Context) {
	log := w.log.WithContext(ctx)
	w.mu.Lock()
	jobs := make([]*inflightJob, 0, len(w.inFlight))
	for _, inf := range w.inFlight {
		jobs = append(jobs, inf)
	}
	w.mu.Unlock()

	now := time.Now()
	for _, inf := range jobs {
		select {
		case res := <-inf.handle.Done():
			w.finalizeExit(ctx, inf, res)
			w.mu.Lock()
			delete(w.inFlight, inf.job.ID)
			w.mu.Unlock()
			continue
		default:
		}

		if err := w.svc.Heartbeat(ctx, inf.job.ID, w.id); err != nil {
			log.Warn("heartbeat failed", "job_id", inf.job.ID.String(), "error", err)
		}

		rec, err := w.svc.JobDetail(ctx, inf.job.ID)
		if err != nil {
			continue
		}
		if rec.KilledAt != nil || rec.RemovedAt != nil {
			if err := inf.handle.Kill(); err != nil {
				log.Warn("kill failed", "job_id", inf.job.ID.String(), "error", err)
			}
			continue
		}
		if rec.WallTime > 0 && rec.WallAt == nil && rec.StartedAt != nil {
			if now.Sub(*rec.StartedAt).Seconds() > rec.WallTime {
				if err := w.svc.MarkWallAt(ctx, rec.ID, now); err != nil {
					log.Warn("mark wall_at failed", "job_id", rec.ID.String(), "error", err)
				}
				// A wall-time violation becomes a kill (spec.md §5): flag
				// killed_at so finalizeExit runs the KILLED terminal
				// transition, the same one an explicit --kill would.
				if err := w.svc.KillJob(ctx, rec.ID); err != nil {
					log.Warn("kill-on-wall-time failed", "job_id", rec.ID.String(), "error", err)
				}
				if err := inf.handle.Kill(); err != nil {
					log.Warn("kill failed", "job_id", rec.ID.String(), "error", err)
				}
			}
		}
	}
}

// finalizeExit performs the post-exit bookkeeping of spec.md §4.2: if the
// child already wrote a terminal/deferred state, nothing more is needed
// beyond capturing stdout; if it was killed or removed, the worker
// finalizes that transition; otherwise the child died without writing a
// terminal state and the worker applies set_failed on its behalf.
func (w *Worker) finalizeExit(ctx context.Context, inf *inflightJob, res ExecResult) {
	log := w.log.WithContext(ctx)
	if err := w.svc.SaveStdout(ctx, inf.job.ID, inf.handle.Stdout(), inf.handle.Stderr()); err != nil {
		log.Warn("save stdout failed", "job_id", inf.job.ID.String(), "error", err)
	}

	rec, err := w.svc.JobDetail(ctx, inf.job.ID)
	if err != nil {
		rec = inf.job
	}

	switch {
	case rec.KilledAt != nil && rec.State == jobqueue.Running:
		if err := w.svc.FinalizeKilled(ctx, rec); err != nil {
			log.Warn("finalize killed failed", "job_id", rec.ID.String(), "error", err)
		}
		_ = w.svc.UnlockJob(ctx, rec.ID)
	case rec.RemovedAt != nil && rec.State == jobqueue.Running:
		if err := w.svc.FinalizeRemoved(ctx, rec); err != nil {
			log.Warn("finalize removed failed", "job_id", rec.ID.String(), "error", err)
		}
		_ = w.svc.UnlockJob(ctx, rec.ID)
	case rec.State != jobqueue.Running:
		// The executor already applied set_complete/set_defer/set_failed
		// (or the job reached a terminal state another way) and released
		// its own lock; nothing left to do.
	default:
		log.Warn("child exited without a terminal transition, applying set_failed",
			"job_id", rec.ID.String(), "exit_code", res.ExitCode)
		if err := w.svc.SetFailed(ctx, rec, fmt.Errorf("worker: child exited (code=%d) without terminal state", res.ExitCode)); err != nil {
			log.Warn("forced set_failed failed", "job_id", rec.ID.String(), "error", err)
		}
		_ = w.svc.UnlockJob(ctx, rec.ID)
	}
}

// reapZombies marks RUNNING jobs with a stale lock heartbeat as zombie_at
// (spec.md §4.2 step 4). It additionally reclaims locks owned by a daemon
// that is itself gone from the registry, transitioning those jobs to
// FAILED/ERROR via the same accounting set_failed already applies. Any
// worker may perform this sweep; it is idempotent and uses the store's
// conditional primitives, so concurrent sweeps from different workers
// cannot double-reclaim a job.
func (w *Worker) reapZombies(ctx context.Context) {
	log := w.log.WithContext(ctx)
	running, err := w.svc.GetJobListing(ctx, store.JobFilter{States: []jobqueue.State{jobqueue.Running}})
	if err != nil {
		log.Warn("list running jobs failed", "error", err)
		return
	}
	daemons, err := w.svc.GetDaemons(ctx)
	if err != nil {
		log.Warn("list daemons failed", "error", err)
		return
	}
	alive := make(map[string]bool, len(daemons))
	for _, d := range daemons {
		alive[d.Name] = true
	}

	now := time.Now()
	for _, job := range running {
		if job.Lock == nil {
			continue
		}
		zombieTime := job.ZombieTime
		if zombieTime <= 0 {
			continue
		}
		if now.Sub(job.Lock.Heartbeat).Seconds() <= zombieTime {
			continue
		}
		if job.ZombieAt == nil {
			if err := w.svc.MarkZombieAt(ctx, job.ID, now); err != nil {
				log.Warn("mark zombie_at failed", "job_id", job.ID.String(), "error", err)
			}
		}
		if !alive[job.Lock.WorkerID] {
			if err := w.svc.ReclaimZombie(ctx, job); err != nil {
				log.Warn("reclaim zombie failed", "job_id", job.ID.String(), "error", err)
			}
		}
	}
}

// claimAndSpawn fills every free concurrency slot by running the claim
// algorithm once per slot and forking an Executor for each claimed job
// (spec.md §4.2 steps 5-6).
func (w *Worker) claimAndSpawn(ctx context.Context) {
	log := w.log.WithContext(ctx)
	free := w.cfg.Concurrency - w.inFlightCount()
	for i := 0; i < free; i++ {
		rec, err := w.svc.ClaimNext(ctx, w.id)
		if err != nil {
			log.Warn("claim failed", "error", err)
			return
		}
		if rec == nil {
			return
		}
		handle, err := w.spawner.Spawn(ctx, rec.ID)
		if err != nil {
			log.Error("spawn failed", "job_id", rec.ID.String(), "error", err)
			_ = w.svc.SetFailed(ctx, rec, err)
			_ = w.svc.UnlockJob(ctx, rec.ID)
			continue
		}
		w.mu.Lock()
		w.inFlight[rec.ID] = &inflightJob{job: rec, handle: handle}
		w.mu.Unlock()
	}
}

func hostnameOrLocalhost() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}
