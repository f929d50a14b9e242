package domain

import "time"

type Room struct {
	ID       ChannelID `json:"id"`
	Name     string    `json:"name,omitempty"` // empty for private (direct) rooms
	Disabled bool      `json:"disabled,omitempty"`
	Users    []UserID  `json:"users,omitempty"`
}

// Private reports whether the room is a direct channel between users.
func (r *Room) Private() bool {
	return r.Name == ""
}

type Message struct {
	ID        int64     `json:"id"`
	RoomID    ChannelID `json:"roomId"`
	SenderID  UserID    `json:"userId"`
	Content   string    `json:"content,omitempty"`
	Media     string    `json:"media,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	CreatedAt time.Time `json:"time"`
}
