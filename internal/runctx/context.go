// Package runctx defines the capability-scoped handle a job implementation
// receives from the Executor. Job code never touches the Store Adapter or
// the Queue Service directly; it reports progress through this handle and
// signals its outcome by its return value (nil, jobqueue.JobDeferred, or any
// other error), which the executor maps to the terminal transition.
package runctx

import (
	"context"
	"fmt"

	"github.com/coreflowhq/coreflow/internal/jobqueue"
)

// Reporter is the narrow capability the executor grants a Context: publish
// a progress update for the job currently running. Implemented by the
// Queue Service so job code depends only on this interface.
type Reporter interface {
	Progress(ctx context.Context, id jobqueue.ID, value float64, message string) error
}

// Context is passed to Handler.Run. It carries the request-scoped
// context.Context, a read-only snapshot of the job record, and the
// Reporter capability.
type Context struct {
	Ctx      context.Context
	Job      *jobqueue.Record
	reporter Reporter
}

// New builds a Context for a single job run.
func New(ctx context.Context, job *jobqueue.Record, reporter Reporter) *Context {
	return &Context{Ctx: ctx, Job: job, reporter: reporter}
}

// Args returns the job's enqueue-time arguments. Never nil.
func (c *Context) Args() map[string]any {
	if c.Job == nil || c.Job.Args == nil {
		return map[string]any{}
	}
	return c.Job.Args
}

// Arg fetches a single named argument, returning ok=false if absent.
func (c *Context) Arg(key string) (any, bool) {
	v, ok := c.Args()[key]
	return v, ok
}

// ArgString fetches a named argument as a string, converting non-string
// JSON values with fmt.Sprint, or returns def if the key is absent.
func (c *Context) ArgString(key, def string) string {
	v, ok := c.Arg(key)
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Progress reports a fractional completion value and a human-readable
// message for the running job. Safe to call zero or many times.
func (c *Context) Progress(value float64, message string) error {
	if c == nil || c.reporter == nil || c.Job == nil {
		return nil
	}
	return c.reporter.Progress(c.Ctx, c.Job.ID, value, message)
}
