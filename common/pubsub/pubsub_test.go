package pubsub

import (
	"testing"
	"time"

	"github.com/eapache/channels"
	"github.com/stretchr/testify/require"
)

const recvTimeout = 5 * time.Second

func mustRecv(t *testing.T, ch chan int, expected int, msg string) {
	select {
	case v := <-ch:
		require.Equal(t, expected, v, msg)
	case <-time.After(recvTimeout):
		t.Fatalf("failed to receive value: %s", msg)
	}
}

func TestBasicBroadcast(t *testing.T) {
	broker := NewBroker(false)

	sub := broker.Subscribe()
	typedCh := make(chan int)
	sub.Unwrap(typedCh)

	broker.Broadcast(23)
	mustRecv(t, typedCh, 23, "single Broadcast()")

	for i := 0; i < 10; i++ {
		broker.Broadcast(i)
	}
	for i := 0; i < 10; i++ {
		mustRecv(t, typedCh, i, "buffered Broadcast()")
	}

	require.NotPanics(t, func() { sub.Close() }, "Close()")
	require.Len(t, broker.subscribers, 0, "subscriber map, post Close()")
	require.NotPanics(t, func() { sub.Close() }, "Close() is idempotent")
}

func TestLastOnSubscribe(t *testing.T) {
	broker := NewBroker(true)
	broker.Broadcast(23)

	for _, b := range []int64{int64(channels.Infinity), 5} {
		sub := broker.SubscribeBuffered(b)
		typedCh := make(chan int)
		sub.Unwrap(typedCh)

		mustRecv(t, typedCh, 23, "last Broadcast() on Subscribe()")
		sub.Close()
	}
}

func TestOnSubscribeHook(t *testing.T) {
	var hooked bool
	broker := NewBrokerEx(func(ch channels.Channel) {
		hooked = true
		ch.In() <- 42
	})

	sub := broker.Subscribe()
	typedCh := make(chan int)
	sub.Unwrap(typedCh)

	require.True(t, hooked, "on-subscribe hook invoked")
	mustRecv(t, typedCh, 42, "hook-injected value")
	sub.Close()
}
