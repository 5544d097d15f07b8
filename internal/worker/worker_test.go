package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflowhq/coreflow/internal/jobqueue"
	"github.com/coreflowhq/coreflow/internal/platform/logger"
	"github.com/coreflowhq/coreflow/internal/queue"
	"github.com/coreflowhq/coreflow/internal/registry"
	"github.com/coreflowhq/coreflow/internal/runctx"
	"github.com/coreflowhq/coreflow/internal/store"
)

type stubHandler struct{ name string }

func (h stubHandler) Name() string                      { return h.name }
func (h stubHandler) Run(rc *runctx.Context) error { return nil }

// fakeHandle is a Handle under direct test control: Done() only reports an
// exit once the test sends on it, and Kill() just records the call instead
// of touching a real process.
type fakeHandle struct {
	mu     sync.Mutex
	done   chan ExecResult
	killed bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan ExecResult, 1)}
}

func (h *fakeHandle) Done() <-chan ExecResult { return h.done }

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	return nil
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func (h *fakeHandle) Stdout() string { return "" }
func (h *fakeHandle) Stderr() string { return "" }

// fakeSpawner hands out a fakeHandle per job instead of forking a real
// subprocess, so tests can drive the spawned "child" synchronously.
type fakeSpawner struct {
	mu      sync.Mutex
	handles map[jobqueue.ID]*fakeHandle
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{handles: make(map[jobqueue.ID]*fakeHandle)}
}

func (s *fakeSpawner) Spawn(ctx context.Context, jobID jobqueue.ID) (Handle, error) {
	h := newFakeHandle()
	s.mu.Lock()
	s.handles[jobID] = h
	s.mu.Unlock()
	return h, nil
}

func (s *fakeSpawner) handleFor(jobID jobqueue.ID) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[jobID]
}

func newTestWorker(t *testing.T, spawner *fakeSpawner, cfg Config) (*Worker, *queue.Service, *store.Memory) {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, reg.Register(stubHandler{name: "examples.echo"}))

	st := store.NewMemory()
	svc := queue.New(st, reg, log, nil, nil)
	w := New("test-worker", svc, log, nil, spawner, cfg)
	return w, svc, st
}

func TestClaimAndSpawn_HonorsPriorityOrder(t *testing.T) {
	spawner := newFakeSpawner()
	w, svc, _ := newTestWorker(t, spawner, Config{Concurrency: 1})
	ctx := context.Background()

	low, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo", Priority: 1, Args: map[string]any{"i": 1}})
	require.NoError(t, err)
	high, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo", Priority: 9, Args: map[string]any{"i": 2}})
	require.NoError(t, err)

	w.tick(ctx, 1, false)

	lowGot, err := svc.JobDetail(ctx, low.ID)
	require.NoError(t, err)
	highGot, err := svc.JobDetail(ctx, high.ID)
	require.NoError(t, err)

	assert.Equal(t, jobqueue.Running, lowGot.State, "a lower priority number claims ahead of a higher one")
	assert.Equal(t, jobqueue.Pending, highGot.State)
}

func TestClaimAndSpawn_ConcurrencyLimitIsMutuallyExclusive(t *testing.T) {
	spawner := newFakeSpawner()
	w, svc, _ := newTestWorker(t, spawner, Config{Concurrency: 1})
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo", Args: map[string]any{"i": 1}})
	require.NoError(t, err)
	second, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo", Args: map[string]any{"i": 2}})
	require.NoError(t, err)

	w.tick(ctx, 1, false)
	w.tick(ctx, 2, false)

	firstGot, err := svc.JobDetail(ctx, first.ID)
	require.NoError(t, err)
	secondGot, err := svc.JobDetail(ctx, second.ID)
	require.NoError(t, err)

	running := 0
	for _, s := range []jobqueue.State{firstGot.State, secondGot.State} {
		if s == jobqueue.Running {
			running++
		}
	}
	assert.Equal(t, 1, running, "concurrency=1 admits exactly one RUNNING job at a time, even across ticks")
}

func TestReapZombies_ReclaimsJobFromDeadDaemonWithoutConsumingAnAttempt(t *testing.T) {
	spawner := newFakeSpawner()
	w, svc, st := newTestWorker(t, spawner, Config{Concurrency: 1})
	ctx := context.Background()

	rec, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo", ZombieTime: time.Millisecond})
	require.NoError(t, err)
	claimed, err := svc.ClaimNext(ctx, "ghost-worker")
	require.NoError(t, err)
	attemptsLeftBefore := claimed.AttemptsLeft

	// Backdate the lock heartbeat past zombie_time. No daemon record for
	// "ghost-worker" is ever registered, so the sweep both flags the job as
	// a zombie and reclaims it as owned by a daemon that is gone.
	require.NoError(t, st.UpdateFields(ctx, claimed.ID, map[string]any{
		"locked": jobqueue.Lock{WorkerID: "ghost-worker", Heartbeat: time.Now().Add(-time.Hour)},
	}))

	w.reapZombies(ctx)

	got, err := svc.JobDetail(ctx, rec.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ZombieAt)
	assert.Contains(t, []jobqueue.State{jobqueue.Failed, jobqueue.Error}, got.State)
	assert.Equal(t, attemptsLeftBefore, got.AttemptsLeft, "a zombie-sweep reclaim never consumes an attempt")
	assert.Nil(t, got.Lock)
}

func TestObserve_WallTimeViolationEndsInKilled(t *testing.T) {
	spawner := newFakeSpawner()
	w, svc, _ := newTestWorker(t, spawner, Config{Concurrency: 1})
	ctx := context.Background()

	rec, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo", WallTime: 10 * time.Millisecond})
	require.NoError(t, err)

	w.claimAndSpawn(ctx)

	claimed, err := svc.JobDetail(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, jobqueue.Running, claimed.State)

	h := spawner.handleFor(rec.ID)
	require.NotNil(t, h, "claimAndSpawn should have spawned an executor for the claimed job")

	time.Sleep(20 * time.Millisecond)
	w.observe(ctx)

	assert.True(t, h.wasKilled(), "observe() must kill the handle once wall_time is exceeded")

	got, err := svc.JobDetail(ctx, rec.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.WallAt)
	assert.NotNil(t, got.KilledAt, "a wall-time violation must flag killed_at, not just wall_at")

	h.done <- ExecResult{ExitCode: -1}
	w.observe(ctx)

	final, err := svc.JobDetail(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Killed, final.State, "a wall-time violation terminates as KILLED, not FAILED/ERROR")
}

func TestTick_HaltStopsClaiming(t *testing.T) {
	spawner := newFakeSpawner()
	w, svc, _ := newTestWorker(t, spawner, Config{Concurrency: 2})
	ctx := context.Background()

	rec, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo"})
	require.NoError(t, err)

	require.NoError(t, svc.Halt(ctx))

	w.tick(ctx, 1, false)

	got, err := svc.JobDetail(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Pending, got.State, "a halted worker must not claim new jobs")
}
