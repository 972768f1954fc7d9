// Package bus provides the topic-based publish/subscribe transports that call
// invitations, signaling and presence travel over.
//
// Every transport delivers a published message to all current subscribers of
// the topic, the publisher included. Handler calls for one subscription are
// sequential, so messages from one publisher arrive in publish order.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a transport that has been closed.
var ErrClosed = errors.New("bus: transport closed")

// Handler receives the raw payload of one message.
type Handler func(data []byte)

// Transport is the pub/sub surface the rest of the module depends on.
type Transport interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
}

// Subscription is one live registration of a Handler on a topic.
type Subscription interface {
	// Ready is closed once the transport confirms the subscription. Messages
	// published before that may not be delivered to this subscriber.
	Ready() <-chan struct{}
	Unsubscribe() error
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
