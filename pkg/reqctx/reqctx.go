// Package reqctx provides the immutable request context carried into every
// store, broker, and logger call for tracing and audit.
package reqctx

import "pulse/pkg/ids"

// Context identifies the origin of a unit of work. It is a plain value:
// copy it, never mutate it, and pass it explicitly. Smuggling it through
// globals breaks the per-iteration audit trail of the background workers.
type Context struct {
	TraceID       string
	TraceSource   string
	RequestID     string
	RequestSource string
	SpanSource    string
}

// New returns a fresh context with the given source, used by ingress paths.
func New(source string) Context {
	return Context{
		TraceID:       ids.NewTraceID(),
		TraceSource:   source,
		RequestID:     ids.NewRequestID(),
		RequestSource: source,
		SpanSource:    source,
	}
}

// NewWorker returns a fresh context for one background-worker iteration.
// The source is "PULSE_BACKGROUND:<worker_name>".
func NewWorker(workerName string) Context {
	source := "PULSE_BACKGROUND:" + workerName
	return Context{
		TraceID:       ids.NewTraceID(),
		TraceSource:   source,
		RequestID:     ids.NewRequestID(),
		RequestSource: source,
		SpanSource:    source,
	}
}

// WithRequestID returns a copy of c carrying the given request ID. Used when
// a worker picks up a slice that already carries its own request_id.
func (c Context) WithRequestID(requestID string) Context {
	c.RequestID = requestID
	return c
}

// Fields returns the context as logger key/value pairs.
func (c Context) Fields() []interface{} {
	return []interface{}{
		"trace_id", c.TraceID,
		"trace_source", c.TraceSource,
		"request_id", c.RequestID,
		"request_source", c.RequestSource,
		"span_source", c.SpanSource,
	}
}
