// Package fanout notifies listening consumers that a new event was stored.
// Messages carry only the event ID. Delivery is at-least-once to current
// subscribers and best-effort otherwise: a consumer that was not listening
// gets nothing retroactively and relies on its reconciliation sweep.
package fanout

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish after the channel has been closed.
var ErrClosed = errors.New("fanout: closed")

// Publisher announces a newly stored event.
type Publisher interface {
	Publish(ctx context.Context, eventID string) error
}

// Subscriber streams event IDs until ctx is done; the returned channel is
// closed afterwards.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan string, error)
}

// Channel is one named fan-out channel.
type Channel interface {
	Publisher
	Subscriber
}

// subscriberBuffer bounds how far a slow consumer may fall behind before
// notifications are dropped for it.
const subscriberBuffer = 256
