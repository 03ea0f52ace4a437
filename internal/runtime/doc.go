/*
Package runtime wires the assignment queue of one process: the channel store,
the stats counters, the dispatcher, the handler registry and the workers.

# Package Structure

## Core Service (service.go)

The Service struct connects:
  - The channel store built by the transport factory
  - The stats store (Redis when configured, process memory otherwise)
  - The dispatcher and the summary rebuild policy
  - The handler registry and its default middleware chain
  - HTTP servers for metrics and the status API

## Status API (status.go)

GET /api/status returns the counter snapshot with live queue depths.
GET /api/workers returns the local statistics of the workers of this process.

# Sub-packages

  - assignment/: Assignment types, payloads and the envelope codec
  - config/: Configuration loading and validation
  - dispatch/: Dispatcher, conversation turn fan-out and rebuild dispatch
  - errors/: Sentinel errors and error types
  - handlers/: Handler registry, middleware and job hooks
  - ids/: ULID generation for assignment ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - scheduler/: Summary rebuild triggers
  - stats/: Shared counters, Prometheus metrics and status snapshots
  - tracing/: OpenTelemetry setup
  - transport/: Channel store factory
  - worker/: Consumer loop for one assignment type

# Usage Example

	svc, err := runtime.TryNewService(ctx, cfg, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	_ = svc.Handle(assignment.Embedding, embedMessage)
	return svc.RunWorker(ctx, assignment.Embedding)
*/
package runtime
