package ports

import (
	"context"

	"github.com/betbot/makerkit/internal/events"
)

// Stream authenticated event stream (serial delivery on Events()).
//
// NOTE: defined here rather than in pkg/bitfinex so the core never imports the adapter.
type Stream interface {
	Start(ctx context.Context) error
	Events() <-chan events.Event
	Close() error
}

// EventHandler consumes stream events one at a time.
type EventHandler interface {
	Dispatch(ctx context.Context, ev events.Event)
}
