// Package pulse publishes run events to goa.design/pulse streams over Redis.
// The durable event log stays in the store; Pulse carries the live mirror
// that dashboards and tails consume.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "github.com/loomworks/loom/features/stream/pulse/clients/pulse"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes the events. Required.
		Client clientspulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// "run/<RunID>".
		StreamID func(store.RunEvent) (string, error)
	}

	// Sink publishes run events into Pulse streams. Safe for concurrent Send.
	Sink struct {
		client   clientspulse.Client
		streamID func(store.RunEvent) (string, error)
	}

	// envelope is the wire form of a run event on a Pulse stream.
	envelope struct {
		EventID        string         `json:"eventId"`
		RunID          string         `json:"runId"`
		StreamPosition int64          `json:"streamPosition"`
		Level          string         `json:"level"`
		Name           string         `json:"name"`
		TraceID        string         `json:"traceId,omitempty"`
		CausationID    string         `json:"causationId,omitempty"`
		Payload        map[string]any `json:"payload,omitempty"`
		OccurredAt     time.Time      `json:"occurredAt"`
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed run event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes the event to its run stream.
func (s *Sink) Send(ctx context.Context, event store.RunEvent) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		EventID:        event.EventID,
		RunID:          event.RunID,
		StreamPosition: event.StreamPosition,
		Level:          event.Level,
		Name:           event.Name,
		TraceID:        event.TraceID,
		CausationID:    event.CausationID,
		Payload:        event.Payload,
		OccurredAt:     event.OccurredAt,
	})
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, event.Name, payload); err != nil {
		return err
	}
	return nil
}

// Close delegates to the Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(event store.RunEvent) (string, error) {
	if event.RunID == "" {
		return "", errors.New("run event missing run id")
	}
	return fmt.Sprintf("run/%s", event.RunID), nil
}
