package http

import (
	"context"
	stderrors "errors"
	"net/http"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
	"chanrelay/internal/infrastructure/middleware"
	"chanrelay/pkg/errors"

	"github.com/gin-gonic/gin"
)

// RoomLister is the part of the chat store the REST API reads.
type RoomLister interface {
	GetRoom(ctx context.Context, id domain.ChannelID) (*domain.Room, error)
	UserRooms(ctx context.Context, userID domain.UserID) ([]*domain.Room, error)
}

// SessionLister reports the clients connected to this process.
type SessionLister interface {
	GetConnectedSessions() []domain.ConnectionID
}

// RoomHandler serves read-only room and presence queries for authenticated users.
type RoomHandler struct {
	rooms    RoomLister
	presence ports.PresenceTracker
	sessions SessionLister
}

func NewRoomHandler(rooms RoomLister, presence ports.PresenceTracker, sessions SessionLister) *RoomHandler {
	return &RoomHandler{
		rooms:    rooms,
		presence: presence,
		sessions: sessions,
	}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
		api.GET("/rooms/:id/online", h.OnlineUsers)
		api.GET("/sessions", h.MySessions)
	}
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	userID, _ := middleware.UserID(c)

	rooms, err := h.rooms.UserRooms(c.Request.Context(), userID)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to load rooms", http.StatusInternalServerError))
		return
	}

	active := make([]*domain.Room, 0, len(rooms))
	for _, room := range rooms {
		if !room.Disabled {
			active = append(active, room)
		}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": active})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, ok := h.visibleRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

func (h *RoomHandler) OnlineUsers(c *gin.Context) {
	room, ok := h.visibleRoom(c)
	if !ok {
		return
	}

	online, err := h.presence.Online(c.Request.Context(), room.ID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room":   room.ID,
		"online": online,
	})
}

// MySessions lists the caller's connections on this node.
func (h *RoomHandler) MySessions(c *gin.Context) {
	userID, _ := middleware.UserID(c)

	mine := make([]domain.ConnectionID, 0)
	for _, id := range h.sessions.GetConnectedSessions() {
		if id.UserID() == userID {
			mine = append(mine, id)
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": mine})
}

// visibleRoom loads the room in the path. Members see any room; everyone else sees
// only public rooms that are still enabled.
func (h *RoomHandler) visibleRoom(c *gin.Context) (*domain.Room, bool) {
	id := domain.ChannelID(c.Param("id"))
	if !id.IsRoom() {
		c.Error(errors.NewInvalidInputError("invalid room id"))
		return nil, false
	}

	room, err := h.rooms.GetRoom(c.Request.Context(), id)
	if stderrors.Is(err, domain.ErrRoomNotFound) {
		c.Error(errors.NewNotFoundError("room"))
		return nil, false
	}
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to load room", http.StatusInternalServerError))
		return nil, false
	}

	userID, _ := middleware.UserID(c)
	if !isMember(room, userID) && (room.Private() || room.Disabled) {
		// hidden rooms look the same as missing ones
		c.Error(errors.NewNotFoundError("room"))
		return nil, false
	}
	return room, true
}

func isMember(room *domain.Room, userID domain.UserID) bool {
	for _, u := range room.Users {
		if u == userID {
			return true
		}
	}
	return false
}
