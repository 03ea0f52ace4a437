package handlers

import (
	"context"
	"time"

	"github.com/drblury/assignflow/internal/runtime/assignment"
	loggingpkg "github.com/drblury/assignflow/internal/runtime/logging"
	"github.com/drblury/assignflow/internal/runtime/stats"
)

// JobContext provides information about a handler invocation to hooks.
type JobContext struct {
	Info
	// Context is the handler context.
	Context context.Context
	// StartedAt is when the handler was invoked.
	StartedAt time.Time
	// Duration is how long the handler took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// Result is the handler result (only set in OnJobDone).
	Result assignment.Result
}

// JobHooks defines callbacks for the handler lifecycle.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the handler function is invoked.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when the handler returns without error. A result
	// with a failed status still counts as done.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when the handler returns an error.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// Hooks creates a middleware that invokes hooks around the handler.
func Hooks(hooks JobHooks) Middleware {
	return func(next Func) Func {
		return func(ctx context.Context, payload assignment.Payload) (assignment.Result, error) {
			info, _ := FromContext(ctx)
			job := JobContext{Info: info, Context: ctx, StartedAt: time.Now()}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}

			result, err := next(ctx, payload)
			job.Duration = time.Since(job.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(job, err)
				}
			} else if hooks.OnJobDone != nil {
				job.Result = result
				hooks.OnJobDone(job)
			}
			return result, err
		}
	}
}

// LoggingHooks returns hooks that log the handler lifecycle.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			fields := ctx.Fields()
			fields["deliveries"] = ctx.Deliveries
			logger.Debug("Job started", fields)
		},
		OnJobDone: func(ctx JobContext) {
			fields := ctx.Fields()
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			fields["status"] = ctx.Result.Status()
			logger.Info("Job completed", fields)
		},
		OnJobError: func(ctx JobContext, err error) {
			fields := ctx.Fields()
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			fields["deliveries"] = ctx.Deliveries
			logger.Error("Job failed", err, fields)
		},
	}
}

// MetricsHooks returns hooks that record handler durations in m.
func MetricsHooks(m *stats.Metrics) JobHooks {
	observe := func(ctx JobContext) { m.ObserveDuration(ctx.Type, ctx.Duration) }
	return JobHooks{
		OnJobDone:  observe,
		OnJobError: func(ctx JobContext, _ error) { observe(ctx) },
	}
}

// AlertingHooks returns hooks that call alertFunc on handler errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
