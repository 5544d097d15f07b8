// Package ctxutil carries trace/request identifiers through a
// context.Context so logs and job records can be correlated across the
// queue, worker, and executor boundary.
package ctxutil

import "context"

type traceDataKey struct{}

// TraceData identifies the request or daemon loop iteration that produced
// a given log line or job mutation.
type TraceData struct {
	TraceID   string
	RequestID string
}

// WithTraceData returns a child context carrying td.
func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

// GetTraceData returns the TraceData stored in ctx, or nil if none is set.
func GetTraceData(ctx context.Context) *TraceData {
	if td, ok := ctx.Value(traceDataKey{}).(*TraceData); ok {
		return td
	}
	return nil
}
