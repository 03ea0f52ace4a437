package handlers

import (
	"context"
	"time"

	"github.com/drblury/assignflow/internal/runtime/assignment"
	loggingpkg "github.com/drblury/assignflow/internal/runtime/logging"
)

type infoKey struct{}

// Info describes the assignment a handler is working on. The worker attaches
// it to the handler context.
type Info struct {
	AssignmentID string
	Type         assignment.Type
	DispatchedAt time.Time

	EntryID    string
	Topic      string
	Group      string
	Consumer   string
	Deliveries int64

	Logger loggingpkg.ServiceLogger
}

// Age reports how long ago the assignment was dispatched.
func (i Info) Age(now time.Time) time.Duration {
	if i.DispatchedAt.IsZero() {
		return 0
	}
	return now.Sub(i.DispatchedAt)
}

// Fields returns the log fields identifying the assignment.
func (i Info) Fields() loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"assignment_id": i.AssignmentID,
		"type":          i.Type,
		"entry_id":      i.EntryID,
		"consumer":      i.Consumer,
	}
}

// WithInfo returns a copy of ctx carrying info.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// FromContext returns the Info attached by the worker, if any.
func FromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}

// LoggerFromContext returns the logger attached to ctx, or a discarding one.
func LoggerFromContext(ctx context.Context) loggingpkg.ServiceLogger {
	if info, ok := FromContext(ctx); ok && info.Logger != nil {
		return info.Logger
	}
	return loggingpkg.Discard()
}
