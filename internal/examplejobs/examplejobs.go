// Package examplejobs provides a handful of Handler implementations that the
// coreflow binary registers, as a starting point for real job code — the Go
// analogue of the toy jobs a fresh core4 project scaffolds, adapted to the
// registry.Handler contract (Name/Run) instead of the teacher's
// runtime.Handler (Type/Run).
package examplejobs

import (
	"fmt"
	"time"

	"github.com/coreflowhq/coreflow/internal/jobqueue"
	"github.com/coreflowhq/coreflow/internal/runctx"
)

// Echo copies its "message" argument into a progress report and succeeds,
// the simple-completion case.
type Echo struct{}

func (Echo) Name() string { return "examples.echo" }

func (Echo) Run(rc *runctx.Context) error {
	return rc.Progress(1, rc.ArgString("message", ""))
}

// Sleep blocks for its "seconds" argument, for exercising wall-time and
// zombie-sweep scenarios without a real long-running workload.
type Sleep struct{}

func (Sleep) Name() string { return "examples.sleep" }

func (Sleep) Run(rc *runctx.Context) error {
	seconds := 0.0
	if v, ok := rc.Arg("seconds"); ok {
		if f, ok := v.(float64); ok {
			seconds = f
		}
	}
	time.Sleep(time.Duration(seconds * float64(time.Second)))
	return rc.Progress(1, "slept")
}

// FlakyOnce defers on its first attempt and succeeds on every subsequent
// one, for exercising the DEFERRED-then-COMPLETE scenario.
type FlakyOnce struct{}

func (FlakyOnce) Name() string { return "examples.flaky_once" }

func (FlakyOnce) Run(rc *runctx.Context) error {
	// A deferral does not consume an attempt, but it moves query_at past the
	// enqueue time, so an unchanged query_at marks the first attempt.
	if rc.Job != nil && rc.Job.QueryAt.Equal(rc.Job.Enqueued.At) {
		return jobqueue.JobDeferred{After: 0}
	}
	return rc.Progress(1, "recovered")
}

// AlwaysFails exhausts its attempts and lands in ERROR, for exercising the
// terminal failure scenario.
type AlwaysFails struct{}

func (AlwaysFails) Name() string { return "examples.always_fails" }

func (AlwaysFails) Run(rc *runctx.Context) error {
	return fmt.Errorf("examples.always_fails: intentional failure")
}
