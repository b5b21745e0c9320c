// Package stream fans run events out to external consumers. The durable copy
// of every event lives in the store's run event log; sinks are best-effort
// mirrors for dashboards and live tails (features/stream/pulse publishes to
// Pulse streams over Redis).
package stream

import (
	"context"

	"github.com/google/uuid"

	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/telemetry"
)

type (
	// Sink receives run events after their transaction commits. Send must be
	// safe for concurrent use. Errors are logged, never propagated: the event
	// log is the source of truth and sinks only mirror it.
	Sink interface {
		Send(ctx context.Context, event store.RunEvent) error
		Close(ctx context.Context) error
	}

	// Emitter builds run events and forwards committed ones to the sink.
	Emitter struct {
		sink   Sink
		logger telemetry.Logger
	}
)

// NewEmitter constructs an emitter. A nil sink disables fan-out.
func NewEmitter(sink Sink, logger telemetry.Logger) *Emitter {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Emitter{sink: sink, logger: logger}
}

// NewEvent builds a state-level run event with a fresh time-ordered event ID.
// TraceID carries the request id and CausationID the queue job id, so
// consumers can correlate queue and workflow activity.
func NewEvent(runID, name, traceID, causationID string, payload map[string]any) store.RunEvent {
	return store.RunEvent{
		EventID:     NewEventID(),
		RunID:       runID,
		Level:       store.EventLevelState,
		Name:        name,
		TraceID:     traceID,
		CausationID: causationID,
		Payload:     payload,
	}
}

// NewEventID returns a time-ordered (v7) UUID string.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Forward mirrors a committed event to the sink. Sink failures are logged
// and swallowed.
func (e *Emitter) Forward(ctx context.Context, event store.RunEvent) {
	if e == nil || e.sink == nil {
		return
	}
	if err := e.sink.Send(ctx, event); err != nil {
		e.logger.Warn(ctx, "run event sink send failed",
			"run_id", event.RunID, "event", event.Name, "err", err.Error())
	}
}

// Close releases sink resources.
func (e *Emitter) Close(ctx context.Context) error {
	if e == nil || e.sink == nil {
		return nil
	}
	return e.sink.Close(ctx)
}

// Run event names appended by the queue worker and planner loop.
const (
	EventRunQueued      = "run_queued"
	EventRunClaimed     = "run_claimed"
	EventRunCompleted   = "run_completed"
	EventRunFailed      = "run_failed"
	EventStepCommitted  = "step_committed"
	EventSignalReceived = "signal_received"
	EventSignalConsumed = "signal_consumed"
)
