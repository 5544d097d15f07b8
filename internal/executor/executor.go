// Package executor is the single-shot subprocess entrypoint spec.md §4.3
// describes: given a job id on stdin, it loads the job, runs its handler,
// and maps the outcome to the terminal transition. It never polls — the
// worker observes this process's exit, not the other way around.
//
// Grounded on `original_source/core4/queue/process.py`'s
// `CoreWorkerProcess.start`: load_job, drop_privilege, run, map
// exception type to set_complete/set_defer/set_failed, unlock_job and
// raise_privilege in a finally block regardless of outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/coreflowhq/coreflow/internal/jobqueue"
	"github.com/coreflowhq/coreflow/internal/queue"
	"github.com/coreflowhq/coreflow/internal/runctx"
)

// Run reads a job id from stdin, executes its registered handler, and
// applies the resulting terminal (or deferral) transition through svc.
// The lock is released on every exit path via defer, matching the
// reference's try/except/finally shape in Go idiom.
func Run(ctx context.Context, svc *queue.Service, stdin io.Reader) error {
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("executor: read job id: %w", err)
	}
	id, err := jobqueue.ParseID(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	defer func() {
		_ = svc.UnlockJob(ctx, id)
	}()

	job, handler, err := svc.LoadJob(ctx, id)
	if err != nil {
		return fmt.Errorf("executor: load job %s: %w", id, err)
	}

	dropPrivilege()
	defer raisePrivilege()

	runErr := invoke(handler, runctx.New(ctx, job, svc))

	var deferred jobqueue.JobDeferred
	switch {
	case runErr == nil:
		job.AttemptsLeft--
		return svc.SetComplete(ctx, job)
	case errors.As(runErr, &deferred):
		return svc.SetDefer(ctx, job, deferred.After)
	default:
		job.AttemptsLeft--
		return svc.SetFailed(ctx, job, runErr)
	}
}

// invoke runs the handler and converts a panic into an error, the Go
// analogue of letting any exception fall into process.py's bare `except:`.
func invoke(h interface{ Run(*runctx.Context) error }, rc *runctx.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return h.Run(rc)
}

// dropPrivilege and raisePrivilege are the privilege-isolation hook points
// spec.md §4.3 names; the reference implementation leaves both as no-ops
// and so do we, since coreflow has no privilege model of its own to drop
// into.
func dropPrivilege()  {}
func raisePrivilege() {}
