package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
	"chanrelay/internal/core/session"
	apperrors "chanrelay/pkg/errors"
	"chanrelay/pkg/utils"
	"chanrelay/pkg/validation"

	"go.uber.org/zap"
)

const maxHistoryPage = 100

var giphyRegex = regexp.MustCompile(`^\s*/giphy\s+(\S.*?)\s*$`)

type ChatConfig struct {
	DefaultRoom      domain.ChannelID
	MaxMessageLength int
	HistoryPageSize  int
	MediaTimeout     time.Duration
}

// ChatService handles the chat events: messages, history and room membership. It also
// serves as the room directory for connecting sessions.
type ChatService struct {
	store     ports.ChatStore
	publisher ports.Publisher
	media     ports.MediaLookup // nil disables /giphy
	cfg       ChatConfig
	logger    *zap.SugaredLogger

	lookups sync.WaitGroup
}

var _ ports.RoomDirectory = (*ChatService)(nil)

func NewChatService(
	store ports.ChatStore,
	publisher ports.Publisher,
	media ports.MediaLookup,
	cfg ChatConfig,
	logger *zap.SugaredLogger,
) *ChatService {
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 20
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 100000
	}
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = 3 * time.Second
	}
	return &ChatService{
		store:     store,
		publisher: publisher,
		media:     media,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *ChatService) Routes() []session.Route {
	return []session.Route{
		{Action: domain.ActionPing, Pre: s.Ping},
		{Action: domain.ActionSendMessage, Pre: s.SendMessage},
		{Action: domain.ActionLoadMessages, Pre: s.LoadMessages},
		{Action: domain.ActionEditMessage, Pre: s.EditMessage},
		{Action: domain.ActionCreateRoom, Pre: s.CreateRoom, Post: s.JoinRoom},
		{Action: domain.ActionCreateDirect, Pre: s.CreateDirectChannel, Post: s.JoinRoom},
		{Action: domain.ActionInviteUser, Pre: s.InviteUser, Post: s.JoinRoom},
		{Action: domain.ActionDeleteRoom, Pre: s.DeleteRoom, Post: s.LeaveRoom},
	}
}

// Wait blocks until every pending media lookup has published its message.
func (s *ChatService) Wait() {
	s.lookups.Wait()
}

// SessionRooms returns the enabled rooms of the user, always including the default
// room, with the messages the user has not read yet.
func (s *ChatService) SessionRooms(ctx context.Context, userID domain.UserID) ([]ports.SessionRoom, error) {
	if s.cfg.DefaultRoom != "" {
		if err := s.store.AddRoomUser(ctx, s.cfg.DefaultRoom, userID); err != nil {
			return nil, err
		}
	}
	rooms, err := s.store.UserRooms(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]ports.SessionRoom, 0, len(rooms))
	for _, room := range rooms {
		if room.Disabled {
			continue
		}
		unread, err := s.store.Unread(ctx, room.ID, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, ports.SessionRoom{Room: room, Offline: unread})
	}
	return out, nil
}

func (s *ChatService) MarkRead(ctx context.Context, channel domain.ChannelID, userID domain.UserID) error {
	return s.store.MarkRead(ctx, channel, userID)
}

func (s *ChatService) Ping(ctx context.Context, peer ports.Peer, evt *domain.Event) error {
	return peer.Send(ctx, (&domain.Event{Action: domain.ActionPong}).Stamp())
}

// SendMessage stores a message and prints it in the room. A "/giphy <query>" message
// is printed once the lookup finished or timed out, without holding up the session.
func (s *ChatService) SendMessage(ctx context.Context, peer ports.Peer, evt *domain.Event) error {
	if err := s.requireRoom(peer, evt.Channel); err != nil {
		return err
	}
	content := evt.ContentString()
	if strings.TrimSpace(content) == "" {
		return apperrors.NewInvalidInputError("message is empty")
	}
	if err := validation.ValidateMessageContent(content, s.cfg.MaxMessageLength); err != nil {
		return apperrors.Validation(err, err.Error())
	}

	msg := &domain.Message{
		RoomID:   evt.Channel,
		SenderID: peer.UserID(),
		Content:  content,
	}

	query, ok := s.giphyQuery(content)
	if !ok {
		return s.printMessage(ctx, domain.ActionPrintMessage, msg)
	}

	s.withMedia(ctx, query, func(ctx context.Context, media string) {
		msg.Media = media
		if err := s.printMessage(ctx, domain.ActionPrintMessage, msg); err != nil {
			s.logger.Errorw("failed to send message with media", "room", msg.RoomID, "error", err)
		}
	})
	return nil
}

func (s *ChatService) printMessage(ctx context.Context, action domain.Action, msg *domain.Message) error {
	if msg.ID == 0 {
		if err := s.store.SaveMessage(ctx, msg); err != nil {
			return err
		}
	} else if err := s.store.UpdateMessage(ctx, msg); err != nil {
		return err
	}
	return s.publisher.Publish(ctx, msg.RoomID, &domain.Event{
		Action:      action,
		Channel:     msg.RoomID,
		HandlerName: domain.HandlerChat,
		UserID:      msg.SenderID,
		MessageID:   msg.ID,
		Message:     msg,
	}, false)
}

// withMedia resolves query in the background and hands the result (or "") to fn.
func (s *ChatService) withMedia(ctx context.Context, query string, fn func(ctx context.Context, media string)) {
	ctx = context.WithoutCancel(ctx)
	s.lookups.Add(1)
	go func() {
		defer s.lookups.Done()

		lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.MediaTimeout)
		media, ok := s.media.Lookup(lookupCtx, query)
		cancel()
		if !ok {
			s.logger.Debugw("no media found", "query", query)
			media = ""
		}
		fn(ctx, media)
	}()
}

func (s *ChatService) giphyQuery(content string) (string, bool) {
	if s.media == nil {
		return "", false
	}
	m := giphyRegex.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// LoadMessages replies with a page of history older than headerId.
func (s *ChatService) LoadMessages(ctx context.Context, peer ports.Peer, evt *domain.Event) error {
	if err := s.requireRoom(peer, evt.Channel); err != nil {
		return err
	}
	count := evt.Count
	if count <= 0 {
		count = s.cfg.HistoryPageSize
	}
	if count > maxHistoryPage {
		count = maxHistoryPage
	}

	messages, err := s.store.Messages(ctx, evt.Channel, evt.HeaderID, count)
	if err != nil {
		return err
	}
	return peer.Send(ctx, (&domain.Event{
		Action:      domain.ActionLoadMessages,
		Channel:     evt.Channel,
		HandlerName: domain.HandlerChat,
		Messages:    messages,
	}).Stamp())
}

// EditMessage changes the content of one of the caller's messages. Empty content
// deletes it.
func (s *ChatService) EditMessage(ctx context.Context, peer ports.Peer, evt *domain.Event) error {
	msg, err := s.store.GetMessage(ctx, evt.MessageID)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			return apperrors.Validation(err, "message not found")
		}
		return err
	}
	if msg.SenderID != peer.UserID() {
		return apperrors.Validation(domain.ErrAccessDenied, "you can only edit your own messages")
	}
	if msg.Deleted {
		return apperrors.NewInvalidInputError("message is already deleted")
	}

	content := evt.ContentString()
	if err := validation.ValidateMessageContent(content, s.cfg.MaxMessageLength); err != nil {
		return apperrors.Validation(err, err.Error())
	}

	if strings.TrimSpace(content) == "" {
		msg.Deleted = true
		msg.Content = ""
		msg.Media = ""
		return s.printMessage(ctx, domain.ActionDeleteMessage, msg)
	}

	msg.Content = content
	query, ok := s.giphyQuery(content)
	if !ok {
		msg.Media = ""
		return s.printMessage(ctx, domain.ActionEditMessage, msg)
	}
	s.withMedia(ctx, query, func(ctx context.Context, media string) {
		msg.Media = media
		if err := s.printMessage(ctx, domain.ActionEditMessage, msg); err != nil {
			s.logger.Errorw("failed to edit message with media", "message_id", msg.ID, "error", err)
		}
	})
	return nil
}

// CreateRoom creates a public room owned by the caller and makes every tab of the
// caller join it.
func (s *ChatService) CreateRoom(ctx context.Context, peer ports.Peer, evt *domain.Event) error {
	name := utils.SanitizeString(evt.RoomName)
	if err := validation.ValidateRoomName(name); err != nil {
		return apperrors.Validation(err, "incorrect room name")
	}
	room, err := s.store.CreateRoom(ctx, name, peer.UserID())
	if err != nil {
		return err
	}

	s.logger.Infow("room created", "room", room.ID, "name", name, "user_id", peer.UserID())
	return s.publisher.Publish(ctx, domain.UserChannel(peer.UserID()), &domain.Event{
		Action:      domain.ActionCreateRoom,
		HandlerName: domain.HandlerChannels,
		RoomID:      room.ID,
		RoomName:    room.Name,
		Users:       room.Users,
	}, true)
}

// CreateDirectChannel opens (or reopens) the private room of the caller and another
// user on every tab of both.
func (s *ChatService) CreateDirectChannel(ctx context.Context, peer ports.Peer, evt *domain.Event) error {
	other := evt.UserID
	if err := validation.ValidateNonEmptyString(string(other), "user"); err != nil {
		return apperrors.Validation(err, err.Error())
	}
	room, err := s.store.GetOrCreateDirectRoom(ctx, peer.UserID(), other)
	if err != nil {
		return err
	}

	msg := &domain.Event{
		Action:      domain.ActionCreateDirect,
		HandlerName: domain.HandlerChannels,
		RoomID:      room.ID,
		Users:       room.Users,
	}
	if err := s.publisher.Publish(ctx, domain.UserChannel(peer.UserID()), msg, true); err != nil {
		return err
	}
	if other == peer.UserID() {
		return nil
	}
	return s.publisher.Publish(ctx, domain.UserChannel(other), msg, true)
}

// InviteUser adds a user to a public room the caller is in.
func (s *ChatService) InviteUser(ctx context.Context, peer ports.Peer, evt *domain.Event) error {
	if err := s.requireRoom(peer, evt.RoomID); err != nil {
		return err
	}
	invitee := evt.UserID
	if err := validation.ValidateNonEmptyString(string(invitee), "user"); err != nil {
		return apperrors.Validation(err, err.Error())
	}
	room, err := s.room(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if room.Private() {
		return apperrors.NewInvalidInputError("cannot invite to a private room")
	}
	if err := s.store.AddRoomUser(ctx, room.ID, invitee); err != nil {
		return err
	}
	room, err = s.room(ctx, room.ID)
	if err != nil {
		return err
	}

	if err := s.publisher.Publish(ctx, room.ID, &domain.Event{
		Action:      domain.ActionAddUserToRoom,
		Channel:     room.ID,
		HandlerName: domain.HandlerChannels,
		RoomID:      room.ID,
		UserID:      invitee,
		Users:       room.Users,
	}, false); err != nil {
		return err
	}
	return s.publisher.Publish(ctx, domain.UserChannel(invitee), &domain.Event{
		Action:      domain.ActionInviteUser,
		HandlerName: domain.HandlerChannels,
		RoomID:      room.ID,
		RoomName:    room.Name,
		UserID:      peer.UserID(),
		Users:       room.Users,
	}, true)
}

// JoinRoom subscribes the receiving session to the room named in the event before the
// client learns about it.
func (s *ChatService) JoinRoom(ctx context.Context, peer ports.Peer, evt *domain.Event) (session.Outcome, error) {
	if err := peer.Join(ctx, evt.RoomID); err != nil {
		return session.Outcome{}, err
	}
	return session.Forward(), nil
}

// DeleteRoom makes the caller leave a room. A private room is disabled for both users,
// a public room only loses the caller's membership.
func (s *ChatService) DeleteRoom(ctx context.Context, peer ports.Peer, evt *domain.Event) error {
	roomID := evt.RoomID
	if roomID == s.cfg.DefaultRoom || !peer.IsSubscribed(roomID) || !roomID.IsRoom() {
		return apperrors.NewInvalidInputError("you are not allowed to exit this room")
	}
	room, err := s.room(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Disabled {
		return apperrors.NewInvalidInputError("room is already deleted")
	}

	if room.Private() {
		if err := s.store.DisableRoom(ctx, roomID); err != nil {
			return err
		}
	} else if err := s.store.RemoveRoomUser(ctx, roomID, peer.UserID()); err != nil {
		return err
	}

	s.logger.Infow("room left", "room", roomID, "user_id", peer.UserID(), "disabled", room.Private())
	return s.publisher.Publish(ctx, roomID, &domain.Event{
		Action:      domain.ActionDeleteRoom,
		Channel:     roomID,
		HandlerName: domain.HandlerChannels,
		RoomID:      roomID,
		RoomName:    room.Name,
		UserID:      peer.UserID(),
	}, true)
}

// LeaveRoom unsubscribes the sessions affected by a deleteRoom: every tab of the user
// who left a public room, or every member of a disabled private room.
func (s *ChatService) LeaveRoom(ctx context.Context, peer ports.Peer, evt *domain.Event) (session.Outcome, error) {
	disabled := evt.RoomName == ""
	if !disabled && evt.UserID != peer.UserID() {
		return session.Suppress(), nil
	}
	// leaving a public room announces the logout to whoever stays
	if err := peer.Leave(ctx, evt.RoomID, disabled); err != nil {
		return session.Outcome{}, err
	}
	return session.Forward(), nil
}

func (s *ChatService) room(ctx context.Context, id domain.ChannelID) (*domain.Room, error) {
	room, err := s.store.GetRoom(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			return nil, apperrors.Validation(err, "room not found")
		}
		return nil, err
	}
	return room, nil
}

func (s *ChatService) requireRoom(peer ports.Peer, channel domain.ChannelID) error {
	if !channel.IsRoom() || !peer.IsSubscribed(channel) {
		return apperrors.Validation(domain.ErrNotSubscribed, "you are not subscribed to this channel").
			WithContext("channel", channel)
	}
	return nil
}
