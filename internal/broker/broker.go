// Package broker wraps the pub/sub store shared by every chat server
// instance.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by Receive once a subscription has been closed.
var ErrClosed = errors.New("broker: subscription closed")

// Message is one payload delivered on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a session-scoped pub/sub cursor. Subscribe and Unsubscribe
// must not be called concurrently with each other; Receive may run alongside
// them.
type Subscription interface {
	Subscribe(ctx context.Context, channels ...string) error
	// Unsubscribe with no channels drops every subscription of the handle.
	Unsubscribe(ctx context.Context, channels ...string) error
	// Receive blocks until a message arrives, ctx is done or the handle is
	// closed.
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Broker is shared process-wide; each session opens its own Subscription.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}
