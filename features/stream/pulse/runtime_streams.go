package pulse

import (
	"errors"

	clientspulse "github.com/loomworks/loom/features/stream/pulse/clients/pulse"
)

// RuntimeStreams owns the publishing sink and spawns subscribers off the same
// Pulse client, so services manage one Redis connection for both directions.
type RuntimeStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// RuntimeStreamsOptions configures NewRuntimeStreams.
type RuntimeStreamsOptions struct {
	// Client is used for both publishing and subscribing. Required.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink.
	Sink Options
}

// NewRuntimeStreams wires a Pulse client into a sink/subscriber pair factory.
func NewRuntimeStreams(opts RuntimeStreamsOptions) (*RuntimeStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &RuntimeStreams{sink: sink, client: opts.Client}, nil
}

// Sink returns the publishing sink for the emitter.
func (r *RuntimeStreams) Sink() *Sink { return r.sink }

// NewSubscriber builds a tail reusing the shared client.
func (r *RuntimeStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}
