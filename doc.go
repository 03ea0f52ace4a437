// Package assignflow moves analysis assignments from the process that handles
// a conversation to the background workers that run the analyses. Each
// assignment type has its own append-only topic ("assignments.<type>") and one
// worker group ("workers.<type>"); workers of a group share the entries and
// acknowledge each one after its handler has run, whether it succeeded or not.
//
// A Service reads the channel store (Redis Streams by default) from Config,
// connects the shared stats counters and exposes the dispatcher, the handler
// registry and the worker runtime. A producer calls Dispatch or
// DispatchConversationTurn; a worker process registers handlers with Handle
// and blocks in RunWorker until its context is cancelled.
//
// # Channel stores
//
// Every store implements the same consumer-group contract:
//   - redis: Redis Streams with XREADGROUP, XACK and XAUTOCLAIM
//   - pebble: Embedded durable log with per-group cursors (single process)
//   - nats-jetstream: JetStream streams with durable pull consumers
//   - channel: In-process store for tests and single-binary setups
//   - kafka, rabbitmq, nats, aws, http: Watermill brokers behind a bridge
//
// # Handlers
//
// Handlers receive the payload map and return a result map. A result whose
// status is "error", "failed" or "failure" counts as a failure. Types without
// a handler run a placeholder that sleeps briefly and succeeds. The default middleware
// chain adds OpenTelemetry spans, job hooks for logging and Prometheus,
// panic recovery and an optional timeout.
//
// # Summary rebuilds
//
// CheckTriggers maps a conversation's message counter to the summary tiers
// that are due; DispatchRebuilds sends one summary assignment per tier.
package assignflow
