package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflowhq/coreflow/internal/jobqueue"
)

func newJob(id jobqueue.ID, priority int, enqueuedAt time.Time) *jobqueue.Record {
	return &jobqueue.Record{
		ID:           id,
		Name:         "examples.echo",
		State:        jobqueue.Pending,
		Priority:     priority,
		Attempts:     3,
		AttemptsLeft: 3,
		Enqueued:     jobqueue.Enqueued{At: enqueuedAt},
		QueryAt:      enqueuedAt,
	}
}

func TestMemory_ClaimNext_OrdersByPriorityThenEnqueueTime(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	low := newJob(jobqueue.NewID(), 10, base)
	high := newJob(jobqueue.NewID(), 1, base.Add(time.Second))
	require.NoError(t, m.InsertJob(ctx, low))
	require.NoError(t, m.InsertJob(ctx, high))

	got, err := m.ClaimNext(ctx, "worker-1", base.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, high.ID, got.ID, "lower priority number claims first")
	assert.Equal(t, jobqueue.Running, got.State)
	assert.NotNil(t, got.Lock)
	assert.Equal(t, "worker-1", got.Lock.WorkerID)
}

func TestMemory_ClaimNext_SkipsFutureQueryAt(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	deferred := newJob(jobqueue.NewID(), 1, now)
	deferred.State = jobqueue.Deferred
	deferred.QueryAt = now.Add(time.Hour)
	require.NoError(t, m.InsertJob(ctx, deferred))

	ready := newJob(jobqueue.NewID(), 5, now)
	require.NoError(t, m.InsertJob(ctx, ready))

	got, err := m.ClaimNext(ctx, "worker-1", now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ready.ID, got.ID, "a job whose query_at is in the future must not be claimed yet")
}

func TestMemory_ClaimNext_GatedByHaltUnlessForced(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.SetHalt(ctx, true))

	gated := newJob(jobqueue.NewID(), 1, now)
	require.NoError(t, m.InsertJob(ctx, gated))

	forced := newJob(jobqueue.NewID(), 1, now)
	forced.Force = true
	require.NoError(t, m.InsertJob(ctx, forced))

	got, err := m.ClaimNext(ctx, "worker-1", now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, forced.ID, got.ID, "a forced job bypasses the halt flag")

	second, err := m.ClaimNext(ctx, "worker-1", now)
	require.NoError(t, err)
	assert.Nil(t, second, "the non-forced job stays gated")
}

func TestMemory_InsertLockIfAbsent_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id := jobqueue.NewID()
	now := time.Now()

	ok, err := m.InsertLockIfAbsent(ctx, id, "worker-1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.InsertLockIfAbsent(ctx, id, "worker-2", now)
	require.NoError(t, err)
	assert.False(t, ok, "a second lock attempt while one is held must fail")

	require.NoError(t, m.DeleteLock(ctx, id))
	ok, err = m.InsertLockIfAbsent(ctx, id, "worker-2", now)
	require.NoError(t, err)
	assert.True(t, ok, "releasing the lock allows a fresh holder")
}

func TestMemory_UpdateFieldsUnlessState(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	job := newJob(jobqueue.NewID(), 1, now)
	job.State = jobqueue.Running
	require.NoError(t, m.InsertJob(ctx, job))

	applied, err := m.UpdateFieldsUnlessState(ctx, job.ID, []jobqueue.State{jobqueue.Running}, map[string]any{
		"state": jobqueue.Inactive,
	})
	require.NoError(t, err)
	assert.False(t, applied, "the disallowed state must block the update")

	require.NoError(t, m.UpdateFields(ctx, job.ID, map[string]any{"state": jobqueue.Pending}))
	applied, err = m.UpdateFieldsUnlessState(ctx, job.ID, []jobqueue.State{jobqueue.Running}, map[string]any{
		"state": jobqueue.Inactive,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Inactive, got.State)
}

func TestMemory_ArchiveJob_MovesToJournal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	job := newJob(jobqueue.NewID(), 1, now)
	require.NoError(t, m.InsertJob(ctx, job))
	require.NoError(t, m.ArchiveJob(ctx, job.ID))

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID, "archived jobs remain fetchable from the journal")

	jobs, err := m.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "archived jobs no longer appear in the live queue listing")

	require.NoError(t, m.ArchiveJob(ctx, job.ID), "archiving an already-archived job is idempotent")
}

func TestMemory_FindActiveByNameArgsHash_IgnoresTerminalJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	job := newJob(jobqueue.NewID(), 1, now)
	job.Name = "examples.echo"
	job.Args = map[string]any{"message": "hi"}
	require.NoError(t, m.InsertJob(ctx, job))

	hash := jobqueue.ArgsHash(job.Name, job.Args)
	found, err := m.FindActiveByNameArgsHash(ctx, job.Name, hash)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, job.ID, found.ID)

	require.NoError(t, m.UpdateFields(ctx, job.ID, map[string]any{"state": jobqueue.Complete}))
	found, err = m.FindActiveByNameArgsHash(ctx, job.Name, hash)
	require.NoError(t, err)
	assert.Nil(t, found, "a terminal job must not count as an active duplicate")
}

func TestMemory_SetClock_OverridesNow(t *testing.T) {
	m := NewMemory()
	fixed := time.Date(2030, 5, 4, 3, 2, 1, 0, time.UTC)
	m.SetClock(func() time.Time { return fixed })

	got, err := m.Now(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Equal(fixed))
}
