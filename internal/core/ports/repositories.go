package ports

import (
	"context"

	"chanrelay/internal/core/domain"
)

// PresenceStore maps a channel to the set of connections currently online in it.
type PresenceStore interface {
	Add(ctx context.Context, channel domain.ChannelID, conn domain.ConnectionID) error
	Remove(ctx context.Context, channel domain.ChannelID, conn domain.ConnectionID) error
	Members(ctx context.Context, channel domain.ChannelID) ([]domain.ConnectionID, error)
}

// SignalingStore maps a signaling connection to the status of each participant, plus
// a reserved back-reference from the connection to its initiator.
type SignalingStore interface {
	Statuses(ctx context.Context, id domain.SignalingID) (map[domain.ConnectionID]domain.SignalStatus, error)
	Status(ctx context.Context, id domain.SignalingID, participant domain.ConnectionID) (domain.SignalStatus, error)
	SetStatus(ctx context.Context, id domain.SignalingID, participant domain.ConnectionID, status domain.SignalStatus) error
	SetInitiator(ctx context.Context, id domain.SignalingID, initiator domain.ConnectionID) error
	Initiator(ctx context.Context, id domain.SignalingID) (domain.ConnectionID, error)
}

// ChatStore persists rooms, memberships and message history.
type ChatStore interface {
	CreateRoom(ctx context.Context, name string, creator domain.UserID) (*domain.Room, error)
	GetOrCreateDirectRoom(ctx context.Context, a, b domain.UserID) (*domain.Room, error)
	GetRoom(ctx context.Context, id domain.ChannelID) (*domain.Room, error)
	UserRooms(ctx context.Context, userID domain.UserID) ([]*domain.Room, error)
	AddRoomUser(ctx context.Context, id domain.ChannelID, userID domain.UserID) error
	RemoveRoomUser(ctx context.Context, id domain.ChannelID, userID domain.UserID) error
	DisableRoom(ctx context.Context, id domain.ChannelID) error

	SaveMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, id int64) (*domain.Message, error)
	UpdateMessage(ctx context.Context, msg *domain.Message) error
	// Messages returns up to count messages older than beforeID (0 = newest), newest first.
	Messages(ctx context.Context, roomID domain.ChannelID, beforeID int64, count int) ([]domain.Message, error)
	// Unread returns messages newer than the user's last read mark, oldest first.
	Unread(ctx context.Context, roomID domain.ChannelID, userID domain.UserID) ([]domain.Message, error)
	MarkRead(ctx context.Context, roomID domain.ChannelID, userID domain.UserID) error
}
