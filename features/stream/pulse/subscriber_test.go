package pulse_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pulsefeature "github.com/loomworks/loom/features/stream/pulse"
)

func TestSubscriberTailDecodesPublishedEvents(t *testing.T) {
	client := newFakeClient()
	streams, err := pulsefeature.NewRuntimeStreams(pulsefeature.RuntimeStreamsOptions{Client: client})
	require.NoError(t, err)

	want := runEvent("run-1", 1)
	require.NoError(t, streams.Sink().Send(context.Background(), want))

	sub, err := streams.NewSubscriber(pulsefeature.SubscriberOptions{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, err := sub.Tail(ctx, "run-1")
	require.NoError(t, err)

	got := <-events
	require.Equal(t, want.EventID, got.EventID)
	require.Equal(t, want.RunID, got.RunID)
	require.Equal(t, want.StreamPosition, got.StreamPosition)
	require.Equal(t, want.Name, got.Name)
	require.Equal(t, float64(0), got.Payload["stepNumber"])
}

func TestSubscriberTailSkipsMalformedEnvelopes(t *testing.T) {
	client := newFakeClient()
	handle, err := client.Stream("run/run-2")
	require.NoError(t, err)
	_, err = handle.Add(context.Background(), "garbage", []byte("not json"))
	require.NoError(t, err)

	streams, err := pulsefeature.NewRuntimeStreams(pulsefeature.RuntimeStreamsOptions{Client: client})
	require.NoError(t, err)
	require.NoError(t, streams.Sink().Send(context.Background(), runEvent("run-2", 1)))

	sub, err := streams.NewSubscriber(pulsefeature.SubscriberOptions{SinkName: "test_tail", Buffer: 8})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, err := sub.Tail(ctx, "run-2")
	require.NoError(t, err)

	// The malformed entry is dropped; the valid one comes through.
	got := <-events
	require.Equal(t, "run-2", got.RunID)
}

func TestSubscriberTailStopsOnContextCancel(t *testing.T) {
	client := newFakeClient()
	sub, err := pulsefeature.NewSubscriber(pulsefeature.SubscriberOptions{Client: client})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := sub.Tail(ctx, "run-3")
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-events:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("event channel did not close after cancel")
	}
}

func TestSubscriberTailRequiresRunID(t *testing.T) {
	sub, err := pulsefeature.NewSubscriber(pulsefeature.SubscriberOptions{Client: newFakeClient()})
	require.NoError(t, err)
	_, err = sub.Tail(context.Background(), "")
	require.ErrorContains(t, err, "run id is required")
}

func TestNewRuntimeStreamsRequiresClient(t *testing.T) {
	_, err := pulsefeature.NewRuntimeStreams(pulsefeature.RuntimeStreamsOptions{})
	require.ErrorContains(t, err, "client is required")

	_, err = pulsefeature.NewSubscriber(pulsefeature.SubscriberOptions{})
	require.ErrorContains(t, err, "client is required")
}
