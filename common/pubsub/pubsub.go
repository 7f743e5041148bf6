// Package pubsub implements a generic publish-subscribe interface.
package pubsub

import (
	"sync"

	"github.com/eapache/channels"
)

// OnSubscribeHook is the on-subscribe callback hook, invoked with the
// subscription's untyped channel before any values are delivered.
type OnSubscribeHook func(channels.Channel)

// Subscription is a Broker subscription instance.
type Subscription struct {
	broker *Broker
	ch     channels.Channel
}

// Untyped returns the subscription's untyped output channel.
func (s *Subscription) Untyped() <-chan interface{} {
	return s.ch.Out()
}

// Unwrap ties the subscription to a typed channel, spawning a
// background routine that forwards values.
func (s *Subscription) Unwrap(ch interface{}) {
	channels.Unwrap(s.ch, ch)
}

// Close unsubscribes from the Broker.
func (s *Subscription) Close() {
	s.broker.Lock()
	defer s.broker.Unlock()

	if _, ok := s.broker.subscribers[s]; !ok {
		return
	}
	delete(s.broker.subscribers, s)
	s.ch.Close()
}

// Broker is a pub/sub broker instance.
type Broker struct {
	sync.Mutex

	subscribers map[*Subscription]bool

	onSubscribeHook OnSubscribeHook

	lastValue    interface{}
	pubLastOnSub bool
	haveValue    bool
}

// Subscribe subscribes to the Broker, with an infinitely buffered
// channel.
func (b *Broker) Subscribe() *Subscription {
	return b.SubscribeBuffered(int64(channels.Infinity))
}

// SubscribeBuffered subscribes to the Broker, with a channel of the
// requested buffer size. A negative buffer size means an infinitely
// buffered channel; a non-negative size gives a ring channel that
// overwrites the oldest values on overflow.
func (b *Broker) SubscribeBuffered(buffer int64) *Subscription {
	b.Lock()
	defer b.Unlock()

	sub := &Subscription{broker: b}
	if buffer < 0 {
		sub.ch = channels.NewInfiniteChannel()
	} else {
		sub.ch = channels.NewRingChannel(channels.BufferCap(buffer))
	}

	if b.onSubscribeHook != nil {
		b.onSubscribeHook(sub.ch)
	}
	if b.pubLastOnSub && b.haveValue {
		sub.ch.In() <- b.lastValue
	}

	b.subscribers[sub] = true

	return sub
}

// Broadcast sends the value to all subscribers.
func (b *Broker) Broadcast(v interface{}) {
	b.Lock()
	defer b.Unlock()

	if b.pubLastOnSub {
		b.lastValue = v
		b.haveValue = true
	}

	for sub := range b.subscribers {
		sub.ch.In() <- v
	}
}

// NewBroker creates a new Broker. If pubLastOnSubscribe is set, the
// last broadcast value is immediately delivered to new subscribers.
func NewBroker(pubLastOnSubscribe bool) *Broker {
	return &Broker{
		subscribers:  make(map[*Subscription]bool),
		pubLastOnSub: pubLastOnSubscribe,
	}
}

// NewBrokerEx creates a new Broker with an on-subscribe hook.
func NewBrokerEx(onSubscribeHook OnSubscribeHook) *Broker {
	return &Broker{
		subscribers:     make(map[*Subscription]bool),
		onSubscribeHook: onSubscribeHook,
	}
}
