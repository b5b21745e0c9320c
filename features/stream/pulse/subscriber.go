package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/loomworks/loom/features/stream/pulse/clients/pulse"
	"github.com/loomworks/loom/runtime/store"
)

type (
	// SubscriberOptions configures a Pulse-backed run event tail.
	SubscriberOptions struct {
		// Client consumes the events. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to "loom_tail".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber tails a run's Pulse stream and decodes envelopes back into
	// run events.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber constructs a run event tail.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "loom_tail"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Tail subscribes to the run's stream and emits decoded events until the
// context ends. The returned channel closes when consumption stops.
func (s *Subscriber) Tail(ctx context.Context, runID string) (<-chan store.RunEvent, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	handle, err := s.client.Stream(fmt.Sprintf("run/%s", runID))
	if err != nil {
		return nil, err
	}
	sink, err := handle.NewSink(ctx, s.name, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, err
	}
	out := make(chan store.RunEvent, s.buffer)
	go func() {
		defer close(out)
		defer sink.Close(context.WithoutCancel(ctx))
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sink.Subscribe():
				if !ok {
					return
				}
				event, err := decodeEnvelope(raw.Payload)
				if err != nil {
					continue
				}
				select {
				case out <- event:
					_ = sink.Ack(ctx, raw)
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decodeEnvelope(payload []byte) (store.RunEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return store.RunEvent{}, err
	}
	if env.RunID == "" {
		return store.RunEvent{}, errors.New("envelope missing run id")
	}
	return store.RunEvent{
		EventID:        env.EventID,
		RunID:          env.RunID,
		StreamPosition: env.StreamPosition,
		Level:          env.Level,
		Name:           env.Name,
		TraceID:        env.TraceID,
		CausationID:    env.CausationID,
		Payload:        env.Payload,
		OccurredAt:     env.OccurredAt,
	}, nil
}
