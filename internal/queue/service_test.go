package queue_test

import (
	"context"
	"errors"
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

func newTestService(t *testing.T) (*queue.Service, *store.Memory) {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, reg.Register(stubHandler{name: "examples.echo"}))

	st := store.NewMemory()
	svc := queue.New(st, reg, log, nil, nil)
	return svc, st
}

func TestEnqueue_RejectsUnregisteredName(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Enqueue(context.Background(), queue.EnqueueInput{Name: "no.such.job"})
	assert.ErrorIs(t, err, queue.ErrSetup)
}

func TestEnqueue_DuplicateRejectedUnlessForced(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	args := map[string]any{"message": "hi"}

	first, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo", Args: args})
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo", Args: args})
	assert.ErrorIs(t, err, queue.ErrDuplicateJob)

	forced, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo", Args: args, Force: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, forced.ID)
}

func TestEnqueue_AppliesDefaults(t *testing.T) {
	svc, _ := newTestService(t)
	rec, err := svc.Enqueue(context.Background(), queue.EnqueueInput{Name: "examples.echo"})
	require.NoError(t, err)

	assert.Equal(t, queue.DefaultAttempts, rec.Attempts)
	assert.Equal(t, queue.DefaultAttempts, rec.AttemptsLeft)
	assert.Equal(t, queue.DefaultDeferTime.Seconds(), rec.DeferTime)
	assert.Equal(t, queue.DefaultZombieTime.Seconds(), rec.ZombieTime)
	assert.Equal(t, jobqueue.Pending, rec.State)
}

func TestClaimNext_TransitionsToRunningUnderLock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	rec, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo"})
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, rec.ID, claimed.ID)
	assert.Equal(t, jobqueue.Running, claimed.State)

	again, err := svc.ClaimNext(ctx, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, again, "only one worker may claim a given job")
}

func TestSetComplete_ArchivesAndRecordsRuntime(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	rec, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo"})
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)

	claimed.AttemptsLeft--
	require.NoError(t, svc.SetComplete(ctx, claimed))
	assert.Equal(t, jobqueue.Complete, claimed.State)

	got, err := st.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Complete, got.State)
	assert.Nil(t, got.Lock)
}

func TestSetDefer_DoesNotConsumeAnAttempt(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	_, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo"})
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	attemptsLeftBefore := claimed.AttemptsLeft

	require.NoError(t, svc.SetDefer(ctx, claimed, 0))
	assert.Equal(t, jobqueue.Deferred, claimed.State)

	got, err := st.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, attemptsLeftBefore, got.AttemptsLeft)
	assert.True(t, got.QueryAt.After(time.Now().Add(-time.Second)))
}

func TestSetFailed_RetriesUntilAttemptsExhausted(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	rec, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo", Attempts: 2})
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	claimed.AttemptsLeft--
	require.NoError(t, svc.SetFailed(ctx, claimed, errors.New("boom")))
	assert.Equal(t, jobqueue.Failed, claimed.State)

	got, err := st.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Failed, got.State)
	assert.Equal(t, 1, got.AttemptsLeft)

	require.NoError(t, st.UpdateFields(ctx, rec.ID, map[string]any{"state": jobqueue.Running}))
	got.AttemptsLeft--
	got.State = jobqueue.Running
	require.NoError(t, svc.SetFailed(ctx, got, errors.New("boom again")))
	assert.Equal(t, jobqueue.Error, got.State, "exhausting attempts reaches the terminal ERROR state")
}

func TestRestartJob_RejectsRunning(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo"})
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)

	_, err = svc.RestartJob(ctx, claimed.ID)
	assert.ErrorIs(t, err, queue.ErrInvalidState)
}

func TestRestartJob_EnqueuesFreshInstance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	rec, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo", Args: map[string]any{"message": "hi"}})
	require.NoError(t, err)

	require.NoError(t, svc.RemoveJob(ctx, rec.ID))

	restarted, err := svc.RestartJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, restarted.ID)
	assert.Equal(t, rec.Name, restarted.Name)
	assert.Equal(t, jobqueue.Pending, restarted.State)
}

func TestRemoveJob_Idempotent(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	rec, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo"})
	require.NoError(t, err)

	require.NoError(t, svc.RemoveJob(ctx, rec.ID))
	require.NoError(t, svc.RemoveJob(ctx, rec.ID), "removing an already-removed job is a no-op")

	got, err := st.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Inactive, got.State)
	assert.NotNil(t, got.RemovedAt)
}

func TestKillJob_RunningJobLeftForWorkerToReap(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	_, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo"})
	require.NoError(t, err)
	claimed, err := svc.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)

	require.NoError(t, svc.KillJob(ctx, claimed.ID))

	got, err := st.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Running, got.State, "a RUNNING job stays RUNNING until its worker observes killed_at")
	assert.NotNil(t, got.KilledAt)
}

func TestMaintenance_GatesClaimUntilLeft(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.EnterMaintenance(ctx, ""))

	already, err := svc.Maintenance(ctx, "")
	require.NoError(t, err)
	assert.True(t, already)

	_, err = svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo"})
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, claimed, "global maintenance gates a non-forced claim")

	require.NoError(t, svc.LeaveMaintenance(ctx, ""))
	claimed, err = svc.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	assert.NotNil(t, claimed)
}

func TestResolveByIDOrName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	rec, err := svc.Enqueue(ctx, queue.EnqueueInput{Name: "examples.echo"})
	require.NoError(t, err)

	byID, err := svc.ResolveByIDOrName(ctx, rec.ID.String())
	require.NoError(t, err)
	assert.Equal(t, []jobqueue.ID{rec.ID}, byID)

	byName, err := svc.ResolveByIDOrName(ctx, "examples.echo")
	require.NoError(t, err)
	assert.Contains(t, byName, rec.ID)
}
