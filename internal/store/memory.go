package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreflowhq/coreflow/internal/jobqueue"
)

// Memory is an in-process fake of Adapter backed by plain maps guarded by a
// mutex. It implements the exact same claim/lock/conditional-update
// semantics the Postgres adapter does, so the worker and queue service can
// be exercised in package tests without a live database (grounded on
// `repos_jobs/job_run_test.go`'s in-memory fixture style).
type Memory struct {
	mu sync.Mutex

	queue   map[jobqueue.ID]*jobqueue.Record
	journal map[jobqueue.ID]*jobqueue.Record
	locks   map[jobqueue.ID]lockRow
	daemons map[string]*DaemonRecord
	stdout  map[jobqueue.ID]stdoutRow

	globalHalt        bool
	globalMaintenance bool
	projectMaint      map[string]bool

	// clock, if set, is used in place of time.Now so tests can control
	// wall time deterministically; nil means use the real clock.
	clock func() time.Time
}

type lockRow struct {
	workerID string
	at       time.Time
}

type stdoutRow struct {
	stdout string
	stderr string
}

// NewMemory returns an empty Memory store using the real wall clock.
func NewMemory() *Memory {
	return &Memory{
		queue:        make(map[jobqueue.ID]*jobqueue.Record),
		journal:      make(map[jobqueue.ID]*jobqueue.Record),
		locks:        make(map[jobqueue.ID]lockRow),
		daemons:      make(map[string]*DaemonRecord),
		stdout:       make(map[jobqueue.ID]stdoutRow),
		projectMaint: make(map[string]bool),
	}
}

// SetClock overrides the clock Now() reports, for deterministic tests.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

func (m *Memory) now() time.Time {
	if m.clock != nil {
		return m.clock()
	}
	return time.Now()
}

func (m *Memory) Now(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now(), nil
}

func cloneRecord(r *jobqueue.Record) *jobqueue.Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Args != nil {
		cp.Args = make(map[string]any, len(r.Args))
		for k, v := range r.Args {
			cp.Args[k] = v
		}
	}
	if r.Lock != nil {
		lock := *r.Lock
		cp.Lock = &lock
	}
	if r.ZombieAt != nil {
		t := *r.ZombieAt
		cp.ZombieAt = &t
	}
	if r.WallAt != nil {
		t := *r.WallAt
		cp.WallAt = &t
	}
	if r.RemovedAt != nil {
		t := *r.RemovedAt
		cp.RemovedAt = &t
	}
	if r.KilledAt != nil {
		t := *r.KilledAt
		cp.KilledAt = &t
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

func (m *Memory) InsertJob(ctx context.Context, rec *jobqueue.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id jobqueue.ID) (*jobqueue.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.queue[id]; ok {
		return cloneRecord(r), nil
	}
	if r, ok := m.journal[id]; ok {
		return cloneRecord(r), nil
	}
	return nil, ErrNotFound
}

func (m *Memory) FindActiveByNameArgsHash(ctx context.Context, name, argsHash string) (*jobqueue.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.queue {
		if r.Name != name || r.State.Terminal() {
			continue
		}
		if jobqueue.ArgsHash(r.Name, r.Args) == argsHash {
			return cloneRecord(r), nil
		}
	}
	return nil, nil
}

func (m *Memory) ListJobs(ctx context.Context, filter JobFilter) ([]*jobqueue.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := func(r *jobqueue.Record) bool {
		if filter.Name != "" && r.Name != filter.Name {
			return false
		}
		if len(filter.States) == 0 {
			return true
		}
		for _, s := range filter.States {
			if r.State == s {
				return true
			}
		}
		return false
	}

	var out []*jobqueue.Record
	for _, r := range m.queue {
		if matches(r) {
			out = append(out, cloneRecord(r))
		}
	}
	if filter.IncludeJournal {
		for _, r := range m.journal {
			if matches(r) {
				out = append(out, cloneRecord(r))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Enqueued.At.Before(out[j].Enqueued.At)
	})
	return out, nil
}

func (m *Memory) UpdateFields(ctx context.Context, id jobqueue.ID, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.queue[id]
	if !ok {
		return ErrNotFound
	}
	applyUpdates(r, updates)
	return nil
}

func (m *Memory) UpdateFieldsUnlessState(ctx context.Context, id jobqueue.ID, disallowed []jobqueue.State, updates map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.queue[id]
	if !ok {
		return false, ErrNotFound
	}
	for _, s := range disallowed {
		if r.State == s {
			return false, nil
		}
	}
	applyUpdates(r, updates)
	return true, nil
}

// applyUpdates mutates r field-by-field for the small, fixed set of update
// keys the Queue Service writes. This stands in for GORM's Updates(map)
// against the Memory fake; the Postgres adapter uses the real map form.
func applyUpdates(r *jobqueue.Record, updates map[string]any) {
	for k, v := range updates {
		switch k {
		case "state":
			r.State = v.(jobqueue.State)
		case "started_at":
			t := v.(time.Time)
			r.StartedAt = &t
		case "finished_at":
			t := v.(time.Time)
			r.FinishedAt = &t
		case "runtime":
			r.Runtime = v.(float64)
		case "locked":
			if v == nil {
				r.Lock = nil
			} else {
				l := v.(jobqueue.Lock)
				r.Lock = &l
			}
		case "attempts_left":
			r.AttemptsLeft = v.(int)
		case "query_at":
			r.QueryAt = v.(time.Time)
		case "zombie_at":
			t := v.(time.Time)
			r.ZombieAt = &t
		case "wall_at":
			t := v.(time.Time)
			r.WallAt = &t
		case "removed_at":
			t := v.(time.Time)
			r.RemovedAt = &t
		case "killed_at":
			t := v.(time.Time)
			r.KilledAt = &t
		case "progress":
			r.Progress = v.(jobqueue.Progress)
		case "updated_at":
			r.UpdatedAt = v.(time.Time)
		}
	}
}

func (m *Memory) ClaimNext(ctx context.Context, workerID string, now time.Time) (*jobqueue.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*jobqueue.Record
	for _, r := range m.queue {
		if !r.State.Claimable() {
			continue
		}
		if _, locked := m.locks[r.ID]; locked {
			continue
		}
		if !r.Force {
			if !r.QueryAt.IsZero() && r.QueryAt.After(now) {
				continue
			}
			if m.globalHalt {
				continue
			}
			if m.globalMaintenance {
				continue
			}
			if m.projectMaint[projectOf(r.Name)] {
				continue
			}
		}
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].Enqueued.At.Before(candidates[j].Enqueued.At)
	})

	for _, r := range candidates {
		if _, locked := m.locks[r.ID]; locked {
			continue
		}
		m.locks[r.ID] = lockRow{workerID: workerID, at: now}
		r.State = jobqueue.Running
		r.StartedAt = &now
		r.Lock = &jobqueue.Lock{WorkerID: workerID, Heartbeat: now}
		return cloneRecord(r), nil
	}
	return nil, nil
}

func projectOf(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

func (m *Memory) InsertLockIfAbsent(ctx context.Context, id jobqueue.ID, workerID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[id]; ok {
		return false, nil
	}
	m.locks[id] = lockRow{workerID: workerID, at: now}
	return true, nil
}

func (m *Memory) DeleteLock(ctx context.Context, id jobqueue.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, id)
	return nil
}

func (m *Memory) ArchiveJob(ctx context.Context, id jobqueue.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.queue[id]
	if !ok {
		if _, ok := m.journal[id]; ok {
			return nil
		}
		return ErrNotFound
	}
	m.journal[id] = r
	delete(m.queue, id)
	delete(m.locks, id)
	return nil
}

func (m *Memory) UpsertDaemon(ctx context.Context, rec *DaemonRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.daemons[rec.Name] = &cp
	return nil
}

func (m *Memory) DeleteDaemon(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.daemons, name)
	return nil
}

func (m *Memory) ListDaemons(ctx context.Context) ([]*DaemonRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DaemonRecord, 0, len(m.daemons))
	for _, d := range m.daemons {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetMaintenance(ctx context.Context, project string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if project == "" {
		return m.globalMaintenance, nil
	}
	return m.projectMaint[project], nil
}

func (m *Memory) SetMaintenance(ctx context.Context, project string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if project == "" {
		m.globalMaintenance = enabled
		return nil
	}
	if enabled {
		m.projectMaint[project] = true
	} else {
		delete(m.projectMaint, project)
	}
	return nil
}

func (m *Memory) GetHalt(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalHalt, nil
}

func (m *Memory) SetHalt(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalHalt = enabled
	return nil
}

func (m *Memory) SaveStdout(ctx context.Context, id jobqueue.ID, stdout, stderr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stdout[id] = stdoutRow{stdout: stdout, stderr: stderr}
	return nil
}

func (m *Memory) GetStdout(ctx context.Context, id jobqueue.ID) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.stdout[id]
	if !ok {
		return "", "", nil
	}
	return row.stdout, row.stderr, nil
}

var _ Adapter = (*Memory)(nil)
