// Package relay moves chat events between server processes and delivers
// them to the connections held locally.
package relay

import (
	"context"
	"errors"

	. "relaychat/pkg/chat"
)

var ErrBusClosed = errors.New("event bus closed")

// Subscription is a live stream of events. Events is closed when the
// underlying subscription ends, whether by Close or by a transport failure.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Bus is the shared publish/subscribe channel every server joins. A
// subscription receives room and notify events for every target.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}
