package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type change struct {
	kind string
	id   uint16
}

func recv[T any](t *testing.T, ch <-chan Event[T]) Event[T] {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for event")
	}
	return Event[T]{}
}

func TestBroker_DeliversToEverySubscriber(t *testing.T) {
	broker := NewBroker[change]()
	defer broker.Close()

	ctx := context.Background()
	subs := []<-chan Event[change]{broker.Subscribe(ctx), broker.Subscribe(ctx)}
	require.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(CreatedEvent, change{kind: "node", id: 31})
	broker.Publish(UpdatedEvent, change{kind: "port", id: 4})

	for _, ch := range subs {
		first := recv(t, ch)
		require.Equal(t, CreatedEvent, first.Type)
		require.Equal(t, change{kind: "node", id: 31}, first.Payload)
		require.False(t, first.Timestamp.IsZero())

		second := recv(t, ch)
		require.Equal(t, UpdatedEvent, second.Type)
		require.Equal(t, uint16(4), second.Payload.id)
	}
}

func TestBroker_UnsubscribesOnCancel(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := broker.Subscribe(ctx)
	require.Equal(t, 1, broker.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-ch
	require.False(t, ok, "channel should be closed")
}

func TestBroker_FullSubscriberDropsAndCounts(t *testing.T) {
	broker := NewBrokerWithBuffer[int](1)
	defer broker.Close()

	ch := broker.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		broker.Publish(CreatedEvent, 1)
		broker.Publish(CreatedEvent, 2)
		broker.Publish(CreatedEvent, 3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "Publish blocked on a full subscriber")
	}

	require.Equal(t, 1, recv(t, ch).Payload)
	require.Equal(t, int64(2), broker.Dropped())
}

func TestBroker_Close(t *testing.T) {
	broker := NewBroker[string]()
	ch := broker.Subscribe(context.Background())

	broker.Close()
	broker.Close()

	_, ok := <-ch
	require.False(t, ok)
	require.Equal(t, 0, broker.SubscriberCount())

	late := broker.Subscribe(context.Background())
	_, ok = <-late
	require.False(t, ok, "subscribe after close returns a closed channel")

	// Publishing after close is a no-op.
	broker.Publish(UpdatedEvent, "ignored")
	require.Equal(t, int64(0), broker.Dropped())
}

func TestNewBrokerWithBuffer_NonPositiveUsesDefault(t *testing.T) {
	broker := NewBrokerWithBuffer[int](0)
	defer broker.Close()
	require.Equal(t, defaultBufferSize, broker.bufferSize)
}

func TestBroker_FilteredEventsSkipTheBuffer(t *testing.T) {
	broker := NewBrokerWithBuffer[change](1)
	defer broker.Close()

	ports := broker.Subscribe(context.Background(), func(c change) bool { return c.kind == "port" })
	broker.Publish(CreatedEvent, change{kind: "node", id: 1})
	broker.Publish(CreatedEvent, change{kind: "node", id: 2})
	broker.Publish(CreatedEvent, change{kind: "port", id: 3})

	require.Equal(t, change{kind: "port", id: 3}, recv(t, ports).Payload)
	require.Equal(t, int64(0), broker.Dropped())
}

func TestBroker_FiltersCombine(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	even := func(v int) bool { return v%2 == 0 }
	big := func(v int) bool { return v > 10 }
	ch := broker.Subscribe(context.Background(), even, nil, big)

	for _, v := range []int{4, 11, 12, 13, 20} {
		broker.Publish(CreatedEvent, v)
	}
	require.Equal(t, 12, recv(t, ch).Payload)
	require.Equal(t, 20, recv(t, ch).Payload)
}
