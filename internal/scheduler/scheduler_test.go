package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflowhq/coreflow/internal/platform/logger"
	"github.com/coreflowhq/coreflow/internal/queue"
	"github.com/coreflowhq/coreflow/internal/registry"
	"github.com/coreflowhq/coreflow/internal/runctx"
	"github.com/coreflowhq/coreflow/internal/store"
)

type stubHandler struct{ name string }

func (h stubHandler) Name() string                 { return h.name }
func (h stubHandler) Run(rc *runctx.Context) error { return nil }

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	reg := registry.New()
	require.NoError(t, reg.Register(stubHandler{name: "examples.echo"}))
	svc := queue.New(store.NewMemory(), reg, log, nil, nil)
	return New("test-scheduler", svc, log, Config{})
}

func TestRegister_RejectsInvalidCron(t *testing.T) {
	s := newTestScheduler(t)
	err := s.Register(ClassSpec{Name: "reports.nightly", Cron: "not a cron"}, time.Now())
	assert.Error(t, err)
}

func TestDueSince_FiresAfterItsOwnBoundaryPasses(t *testing.T) {
	s := newTestScheduler(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Register(ClassSpec{Name: "reports.nightly", Cron: "* * * * *"}, base))

	cs := s.classes[0]
	assert.False(t, s.dueSince(cs, base.Add(30*time.Second)), "no minute boundary has passed yet")
	assert.True(t, s.dueSince(cs, base.Add(90*time.Second)), "a minute boundary has passed")
}

func TestDueSince_CoalescesMissedBoundariesIntoOneFire(t *testing.T) {
	s := newTestScheduler(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Register(ClassSpec{Name: "reports.nightly", Cron: "* * * * *"}, base))
	cs := s.classes[0]

	farFuture := base.Add(time.Hour)
	assert.True(t, s.dueSince(cs, farFuture), "many missed minute boundaries still report due")

	cs.lastBoundary = farFuture
	assert.False(t, s.dueSince(cs, farFuture), "advancing lastBoundary to now consumes every missed tick at once")
}

func TestTick_EnqueuesDueClassAndSkipsDuplicates(t *testing.T) {
	s := newTestScheduler(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Register(ClassSpec{Name: "examples.echo", Cron: "* * * * *"}, base.Add(-time.Hour)))

	ctx := newMemCtx(t, s)
	s.tick(ctx, 1)

	jobs, err := s.svc.GetJobListing(ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "examples.echo", jobs[0].Name)

	// A second tick at the same moment must not double-enqueue: lastBoundary
	// has already advanced past every due boundary.
	s.tick(ctx, 2)
	jobs, err = s.svc.GetJobListing(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func newMemCtx(t *testing.T, s *Scheduler) context.Context {
	t.Helper()
	return context.Background()
}
