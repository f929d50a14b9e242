package domain

import (
	"strings"
)

type ChannelID string
type ConnectionID string
type UserID string
type SignalingID string

// userChannelPrefix marks the per-user direct channel every session of that user listens on.
const userChannelPrefix = "u"

// connectionSeparator splits the owning user id from the random part of a connection id.
const connectionSeparator = ":"

// UserChannel returns the direct channel of a user.
func UserChannel(userID UserID) ChannelID {
	return ChannelID(userChannelPrefix + string(userID))
}

// NewConnectionID builds a connection id that embeds the owning user id.
func NewConnectionID(userID UserID, random string) ConnectionID {
	return ConnectionID(string(userID) + connectionSeparator + random)
}

// UserID extracts the embedded user id. Ids without a separator are returned whole.
func (c ConnectionID) UserID() UserID {
	s := string(c)
	if i := strings.Index(s, connectionSeparator); i >= 0 {
		return UserID(s[:i])
	}
	return UserID(s)
}

// Channel is the direct channel of a single connection.
func (c ConnectionID) Channel() ChannelID {
	return ChannelID(c)
}

// IsRoom reports whether the channel is a room rather than a user or connection channel.
func (c ChannelID) IsRoom() bool {
	s := string(c)
	if s == "" || strings.Contains(s, connectionSeparator) {
		return false
	}
	return !strings.HasPrefix(s, userChannelPrefix)
}
