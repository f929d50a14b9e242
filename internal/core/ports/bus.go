package ports

import (
	"context"

	"chanrelay/internal/core/domain"
)

// BusMessage is one payload delivered on a subscribed channel.
type BusMessage struct {
	Channel domain.ChannelID
	Payload []byte
}

// Bus fans a payload out to every subscriber of a channel.
type Bus interface {
	Publish(ctx context.Context, channel domain.ChannelID, payload []byte) error
	// Subscribe opens a subscription and returns once the broker acknowledged every channel.
	Subscribe(ctx context.Context, channels ...domain.ChannelID) (Subscription, error)
}

// Subscription is one process's interest in a changing set of channels.
type Subscription interface {
	Subscribe(ctx context.Context, channels ...domain.ChannelID) error
	Unsubscribe(ctx context.Context, channels ...domain.ChannelID) error
	Messages() <-chan BusMessage
	Close() error
}
