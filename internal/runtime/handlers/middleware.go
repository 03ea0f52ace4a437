package handlers

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/assignflow/internal/runtime/assignment"
	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
)

// TracerName is the instrumentation scope of handler spans.
const TracerName = "github.com/drblury/assignflow/handlers"

// Middleware decorates a Func.
type Middleware func(Func) Func

// Chain wraps fn so that mw[0] runs first.
func Chain(fn Func, mw ...Middleware) Func {
	for i := len(mw) - 1; i >= 0; i-- {
		if mw[i] != nil {
			fn = mw[i](fn)
		}
	}
	return fn
}

// PanicError is returned by Recoverer when a handler panics.
type PanicError struct {
	Value      any
	Stacktrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Recoverer converts handler panics into a *PanicError.
func Recoverer() Middleware {
	return func(next Func) Func {
		return func(ctx context.Context, payload assignment.Payload) (result assignment.Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					result = nil
					err = &PanicError{Value: r, Stacktrace: string(debug.Stack())}
				}
			}()
			return next(ctx, payload)
		}
	}
}

// Timeout fails with ErrHandlerTimeout when the handler runs longer than d.
// The handler's context is cancelled at the deadline, but a handler ignoring
// it keeps running in the background. d <= 0 disables the watchdog.
func Timeout(d time.Duration) Middleware {
	return func(next Func) Func {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, payload assignment.Payload) (assignment.Result, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type outcome struct {
				result assignment.Result
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				var o outcome
				defer func() {
					if r := recover(); r != nil {
						o = outcome{err: &PanicError{Value: r, Stacktrace: string(debug.Stack())}}
					}
					done <- o
				}()
				o.result, o.err = next(ctx, payload)
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, fmt.Errorf("%w after %s", errspkg.ErrHandlerTimeout, d)
			}
		}
	}
}

// Tracer runs the handler inside an OpenTelemetry span named after the type.
func Tracer() Middleware {
	return func(next Func) Func {
		return func(ctx context.Context, payload assignment.Payload) (assignment.Result, error) {
			info, _ := FromContext(ctx)
			ctx, span := otel.Tracer(TracerName).Start(ctx, "assignment."+string(info.Type),
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("assignment.id", info.AssignmentID),
					attribute.String("assignment.type", string(info.Type)),
					attribute.String("messaging.destination.name", info.Topic),
					attribute.String("messaging.consumer.group.name", info.Group),
					attribute.String("messaging.message.id", info.EntryID),
					attribute.Int64("assignment.deliveries", info.Deliveries),
				),
			)
			defer span.End()

			result, err := next(ctx, payload)
			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case result.Failed():
				span.SetStatus(codes.Error, "handler reported status "+result.Status())
			default:
				span.SetStatus(codes.Ok, "")
			}
			return result, err
		}
	}
}
