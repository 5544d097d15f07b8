// Package scheduler implements the Scheduler Daemon: a single loop that
// evaluates cron schedules and enqueues the due job class through the
// Queue Service, coalescing any missed ticks since the last evaluation
// into a single enqueue (spec.md §4.4, Open Question 3).
//
// Cron evaluation is grounded on `nandlabs-golly/chrono.CronSchedule`
// (standard 5-field cron with macros); the tick/due-check loop shape is
// grounded on `other_examples/teranos-QNTX pulse/schedule/ticker.go`.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"oss.nandlabs.io/golly/chrono"

	"github.com/coreflowhq/coreflow/internal/platform/ctxutil"
	"github.com/coreflowhq/coreflow/internal/platform/logger"
	"github.com/coreflowhq/coreflow/internal/queue"
	"github.com/coreflowhq/coreflow/internal/store"
)

var tracer = otel.Tracer("github.com/coreflowhq/coreflow/internal/scheduler")

func daemonRecord(name string, loop int64, now time.Time) *store.DaemonRecord {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &store.DaemonRecord{
		Name: name, Kind: store.KindScheduler, PID: os.Getpid(), Hostname: host,
		StartedAt: now, Loop: loop, LoopTime: now, Heartbeat: now,
	}
}

// ClassSpec is one scheduled job class: a cron expression and the
// enqueue input template to submit each time it fires.
type ClassSpec struct {
	Name     string
	Cron     string
	Args     map[string]any
	Priority int
	Username string
}

type classState struct {
	spec         ClassSpec
	schedule     *chrono.CronSchedule
	lastBoundary time.Time
}

// Config are the scheduler daemon's tunables.
type Config struct {
	ID           string
	PollInterval time.Duration
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// Scheduler is the Scheduler Daemon. One instance owns the full set of
// registered classes; spec.md does not require more than one scheduler
// process running concurrently against the same store (a second instance
// would double-enqueue), so callers run exactly one.
type Scheduler struct {
	id  string
	svc *queue.Service
	log *logger.Logger
	cfg Config

	mu      sync.Mutex
	classes []*classState
}

// New builds a Scheduler. identifier, if empty, is derived as
// "{hostname}:scheduler:{pid}" per spec.md §6.
func New(identifier string, svc *queue.Service, log *logger.Logger, cfg Config) *Scheduler {
	if identifier == "" {
		identifier = defaultIdentifier()
	}
	return &Scheduler{id: identifier, svc: svc, log: log.With("component", "scheduler.Scheduler", "scheduler_id", identifier), cfg: cfg.withDefaults()}
}

func defaultIdentifier() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:scheduler:%d", host, os.Getpid())
}

func (s *Scheduler) ID() string { return s.id }

// Register adds a job class to the scheduler's evaluation set. lastBoundary
// starts at now, so a class registered mid-run does not immediately fire
// for every historical boundary it never saw.
func (s *Scheduler) Register(spec ClassSpec, now time.Time) error {
	cs, err := chrono.NewCronSchedule(spec.Cron)
	if err != nil {
		return fmt.Errorf("scheduler: class %q: %w", spec.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes = append(s.classes, &classState{spec: spec, schedule: cs, lastBoundary: now})
	return nil
}

// Run is the daemon's main loop. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	registerCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	err := s.svc.UpsertDaemon(registerCtx, daemonRecord(s.id, 0, time.Now()))
	cancel()
	if err != nil {
		return fmt.Errorf("scheduler: register daemon: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		defer cancel()
		_ = s.svc.RemoveDaemon(cleanupCtx, s.id)
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var loop int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			loop++
			s.safeTick(loop)
		}
	}
}

func (s *Scheduler) safeTick(loop int64) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panic, continuing", "loop", loop, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()
	s.tick(ctx, loop)
}

func (s *Scheduler) tick(ctx context.Context, loop int64) {
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{RequestID: fmt.Sprintf("%s-loop-%d", s.id, loop)})
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()
	log := s.log.WithContext(ctx)

	now := time.Now()
	if err := s.svc.UpsertDaemon(ctx, daemonRecord(s.id, loop, now)); err != nil {
		log.Warn("daemon record update failed", "error", err)
	}
	if halted, err := s.svc.Halted(ctx); err == nil && halted {
		return
	}

	s.mu.Lock()
	classes := append([]*classState(nil), s.classes...)
	s.mu.Unlock()

	for _, cs := range classes {
		if !s.dueSince(cs, now) {
			continue
		}
		s.mu.Lock()
		cs.lastBoundary = now
		s.mu.Unlock()

		_, err := s.svc.Enqueue(ctx, queue.EnqueueInput{
			Name: cs.spec.Name, Args: cs.spec.Args, Priority: cs.spec.Priority,
			Username: cs.spec.Username, Schedule: cs.spec.Cron,
		})
		if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
			log.Warn("scheduled enqueue failed", "class", cs.spec.Name, "error", err)
		}
	}
}

// dueSince reports whether any cron boundary of cs.schedule falls in
// (cs.lastBoundary, now], coalescing however many ticks were missed into a
// single fire per spec.md Open Question 3.
func (s *Scheduler) dueSince(cs *classState, now time.Time) bool {
	next := cs.schedule.Next(cs.lastBoundary)
	return !next.IsZero() && !next.After(now)
}
