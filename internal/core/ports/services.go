package ports

import (
	"context"
	"time"

	"chanrelay/internal/core/domain"
)

// Peer is the acting session as seen by the services it dispatches to.
type Peer interface {
	ConnectionID() domain.ConnectionID
	UserID() domain.UserID
	Channels() []domain.ChannelID
	IsSubscribed(channel domain.ChannelID) bool
	// Send writes an event to this session's client only.
	Send(ctx context.Context, evt *domain.Event) error
	// Join subscribes to a room channel and then marks the session online in it.
	Join(ctx context.Context, channel domain.ChannelID) error
	// Leave removes the session from the room presence and then unsubscribes.
	Leave(ctx context.Context, channel domain.ChannelID, teardown bool) error
}

// Publisher sends events through the bus.
type Publisher interface {
	Publish(ctx context.Context, channel domain.ChannelID, evt *domain.Event, parsable bool) error
}

// MediaLookup resolves a search query to an embeddable media URL. It never fails:
// any problem yields ok == false.
type MediaLookup interface {
	Lookup(ctx context.Context, query string) (url string, ok bool)
}

// Metrics records relay activity.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	EventPublished(action domain.Action, parsable bool)
	EventDelivered(outcome string)
	BusMessageDropped()
	DeliveryFailed()
	SignalingTransition(action domain.Action, result string)
	PresenceBroadcast(action domain.Action)
	DispatchDuration(action domain.Action, d time.Duration)
}

// PresenceTracker announces sessions going online and offline in a room.
type PresenceTracker interface {
	AddOnline(ctx context.Context, peer Peer, channel domain.ChannelID, offline []domain.Message) error
	RemoveOnline(ctx context.Context, peer Peer, channel domain.ChannelID, teardown bool) error
	Online(ctx context.Context, channel domain.ChannelID) ([]domain.UserID, error)
}

// SessionRoom is a room a new session joins together with what its user missed there.
type SessionRoom struct {
	Room    *domain.Room
	Offline []domain.Message
}

// RoomDirectory tells a connecting session which rooms it belongs to.
type RoomDirectory interface {
	SessionRooms(ctx context.Context, userID domain.UserID) ([]SessionRoom, error)
	MarkRead(ctx context.Context, channel domain.ChannelID, userID domain.UserID) error
}
