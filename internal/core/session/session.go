package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
	apperrors "chanrelay/pkg/errors"
	rlog "chanrelay/pkg/logger"
	"chanrelay/pkg/tracing"
	"chanrelay/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrClosed             = errors.New("session closed")
	ErrSlowConsumer       = errors.New("client outbound buffer full")
	ErrSubscriptionClosed = errors.New("bus subscription closed")
)

type Config struct {
	DefaultRoom    domain.ChannelID
	SendBuffer     int
	CleanupTimeout time.Duration

	// Inbound rate limit. Zero disables it.
	MessagesPerSecond float64
	Burst             int

	// Pre-encoded ICE server list sent in the welcome event.
	ICEServers json.RawMessage
}

type Deps struct {
	Registry *Registry
	Bus      ports.Bus
	Presence ports.PresenceTracker
	Rooms    ports.RoomDirectory
	Metrics  ports.Metrics
	Logger   *zap.SugaredLogger
}

// Session is one connected client. Inbound events and bus deliveries are processed
// by Run on a single goroutine; the transport drains Outbound.
type Session struct {
	id     domain.ConnectionID
	userID domain.UserID

	cfg  Config
	deps Deps

	mu       sync.RWMutex
	channels map[domain.ChannelID]struct{}
	online   map[domain.ChannelID]struct{} // presence added
	sub      ports.Subscription

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

var _ ports.Peer = (*Session)(nil)

func New(userID domain.UserID, cfg Config, deps Deps) *Session {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 5 * time.Second
	}

	id := domain.NewConnectionID(userID, utils.GenerateConnectionSuffix())
	s := &Session{
		id:       id,
		userID:   userID,
		cfg:      cfg,
		deps:     deps,
		channels: make(map[domain.ChannelID]struct{}),
		online:   make(map[domain.ChannelID]struct{}),
		out:      make(chan []byte, cfg.SendBuffer),
		done:     make(chan struct{}),
		logger:   deps.Logger.With("connection_id", id, "user_id", userID),
	}
	if cfg.MessagesPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), burst)
	}
	return s
}

func (s *Session) ConnectionID() domain.ConnectionID { return s.id }
func (s *Session) UserID() domain.UserID             { return s.userID }

// Outbound carries encoded events for the client.
func (s *Session) Outbound() <-chan []byte { return s.out }

// Done is closed once the session has been disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Channels() []domain.ChannelID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := make([]domain.ChannelID, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	return channels
}

func (s *Session) IsSubscribed(channel domain.ChannelID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *Session) Send(ctx context.Context, evt *domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", evt.Action, err)
	}
	return s.write(data)
}

func (s *Session) write(data []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.out <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Connect subscribes the session to its rooms, its user channel and its connection
// channel, greets the client and only then announces it online in each room.
func (s *Session) Connect(ctx context.Context) error {
	rooms, err := s.deps.Rooms.SessionRooms(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("failed to load rooms: %w", err)
	}

	channels := []domain.ChannelID{domain.UserChannel(s.userID), s.id.Channel()}
	welcomeRooms := make([]domain.Room, 0, len(rooms))
	for _, r := range rooms {
		channels = append(channels, r.Room.ID)
		welcomeRooms = append(welcomeRooms, *r.Room)
	}

	sub, err := s.deps.Bus.Subscribe(ctx, channels...)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	s.mu.Unlock()
	s.deps.Metrics.SessionOpened()

	welcome := &domain.Event{
		Action:      domain.ActionWelcome,
		HandlerName: domain.HandlerChannels,
		Self:        s.id,
		UserID:      s.userID,
		Rooms:       welcomeRooms,
		ICEServers:  s.cfg.ICEServers,
	}
	if err := s.Send(ctx, welcome.Stamp()); err != nil {
		return err
	}

	for _, r := range rooms {
		if err := s.goOnline(ctx, r.Room.ID, r.Offline); err != nil {
			return fmt.Errorf("failed to go online in %s: %w", r.Room.ID, err)
		}
	}

	s.logger.Infow("session connected", "rooms", len(rooms))
	return nil
}

// Run processes inbound client frames and bus deliveries until ctx is cancelled, the
// inbound channel is closed or the bus subscription ends.
func (s *Session) Run(ctx context.Context, inbound <-chan []byte) error {
	ctx = rlog.WithSession(ctx, string(s.id), string(s.userID))
	messages := s.sub.Messages()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case data, ok := <-inbound:
			if !ok {
				return nil
			}
			s.handleInbound(ctx, data)

		case msg, ok := <-messages:
			if !ok {
				return ErrSubscriptionClosed
			}
			s.handleDelivery(ctx, msg)
		}
	}
}

func (s *Session) handleInbound(ctx context.Context, data []byte) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.reportError(ctx, nil, apperrors.NewRateLimitError())
		return
	}

	evt, err := domain.ParseEvent(data)
	if err != nil {
		s.reportError(ctx, nil, apperrors.Validation(err, "malformed event"))
		return
	}

	ctx, span := tracing.TraceDispatch(ctx, string(evt.Action), string(s.id), string(s.userID))
	defer span.End()

	start := time.Now()
	err = s.deps.Registry.Dispatch(ctx, s, evt)
	s.deps.Metrics.DispatchDuration(evt.Action, time.Since(start))
	if err != nil {
		tracing.RecordError(ctx, err)
		s.reportError(ctx, evt, err)
	}
}

// reportError logs err by class and surfaces it to this client only.
func (s *Session) reportError(ctx context.Context, evt *domain.Event, err error) {
	var action domain.Action
	out := &domain.Event{
		Action:      domain.ActionError,
		HandlerName: domain.HandlerGrowl,
		Code:        string(apperrors.CodeOf(err)),
	}
	if evt != nil {
		action = evt.Action
		out.Channel = evt.Channel
		out.ConnectionID = evt.ConnectionID
	}

	fields := []interface{}{"action", action, "error", err, "trace_id", tracing.TraceID(ctx)}
	switch {
	case apperrors.IsAccessDenied(err):
		s.logger.Warnw("access denied", fields...)
	case apperrors.IsTransport(err):
		s.logger.Errorw("store or bus failure", fields...)
	case apperrors.GetAppError(err) != nil:
		s.logger.Infow("request refused", fields...)
	default:
		s.logger.Errorw("unexpected dispatch failure", fields...)
	}

	if appErr := apperrors.GetAppError(err); appErr != nil {
		out.Error = appErr.Message
	} else {
		out.Error = "internal error"
	}

	if sendErr := s.Send(ctx, out.Stamp()); sendErr != nil {
		s.logger.Debugw("failed to send error event", "error", sendErr)
	}
}

func (s *Session) handleDelivery(ctx context.Context, msg ports.BusMessage) {
	data, parsable := domain.DecodePayload(msg.Payload)
	if !parsable {
		if err := s.write(data); err != nil {
			s.deliveryFailed(ctx, msg, err)
			return
		}
		s.deps.Metrics.EventDelivered(OutcomeForward.String())
		return
	}

	evt, err := domain.ParseEvent(data)
	if err != nil {
		s.deliveryFailed(ctx, msg, err)
		return
	}

	outcome, err := s.deps.Registry.PostProcess(ctx, s, evt)
	if err != nil {
		s.deliveryFailed(ctx, msg, fmt.Errorf("post-process %s: %w", evt.Action, err))
		return
	}

	switch outcome.Kind {
	case OutcomeForward:
		err = s.write(data)
	case OutcomeReplace:
		err = s.Send(ctx, outcome.Event)
	case OutcomeSuppress:
	default:
		err = fmt.Errorf("unknown outcome %d", outcome.Kind)
	}
	if err != nil {
		s.deliveryFailed(ctx, msg, err)
		return
	}
	s.deps.Metrics.EventDelivered(outcome.Kind.String())
}

func (s *Session) isOnline(channel domain.ChannelID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[channel]
	return ok
}

func (s *Session) goOnline(ctx context.Context, channel domain.ChannelID, offline []domain.Message) error {
	if err := s.deps.Presence.AddOnline(ctx, s, channel, offline); err != nil {
		return err
	}
	s.mu.Lock()
	s.online[channel] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Join subscribes to channel and then marks the session online in it. If the presence
// add fails the subscription is rolled back; when even that fails the channel stays
// subscribed but offline and the next Join retries the presence add.
func (s *Session) Join(ctx context.Context, channel domain.ChannelID) error {
	if !s.IsSubscribed(channel) {
		if err := s.sub.Subscribe(ctx, channel); err != nil {
			return err
		}
		s.mu.Lock()
		s.channels[channel] = struct{}{}
		s.mu.Unlock()
	} else if s.isOnline(channel) {
		return nil
	}

	err := s.goOnline(ctx, channel, nil)
	if err == nil {
		return nil
	}
	if unsubErr := s.sub.Unsubscribe(ctx, channel); unsubErr != nil {
		s.logger.Warnw("failed to roll back subscription", "channel", channel, "error", unsubErr)
		return err
	}
	s.mu.Lock()
	delete(s.channels, channel)
	s.mu.Unlock()
	return err
}

// Leave removes the session from the channel presence and then unsubscribes. A failed
// presence removal keeps the subscription; a failed unsubscribe is retried by the next
// Leave without removing presence again.
func (s *Session) Leave(ctx context.Context, channel domain.ChannelID, teardown bool) error {
	if !s.IsSubscribed(channel) {
		return nil
	}
	if s.isOnline(channel) {
		if err := s.deps.Presence.RemoveOnline(ctx, s, channel, teardown); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.online, channel)
		s.mu.Unlock()
	}
	if err := s.sub.Unsubscribe(ctx, channel); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.channels, channel)
	s.mu.Unlock()
	return nil
}

// Disconnect leaves every room and releases the bus subscription. It does not depend
// on the client context, which is usually already cancelled.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		close(s.done)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CleanupTimeout)
		defer cancel()
		ctx = rlog.WithSession(ctx, string(s.id), string(s.userID))

		s.mu.RLock()
		sub := s.sub
		s.mu.RUnlock()
		if sub == nil {
			return
		}

		for _, ch := range s.Channels() {
			if !ch.IsRoom() {
				continue
			}
			if s.isOnline(ch) {
				if err := s.deps.Presence.RemoveOnline(ctx, s, ch, false); err != nil {
					s.logger.Errorw("failed to remove presence on disconnect", "channel", ch, "error", err)
				}
			}
			if err := s.deps.Rooms.MarkRead(ctx, ch, s.userID); err != nil {
				s.logger.Warnw("failed to mark room read", "channel", ch, "error", err)
			}
		}

		if err := sub.Unsubscribe(ctx, s.Channels()...); err != nil {
			s.logger.Warnw("failed to unsubscribe on disconnect", "error", err)
		}
		if err := sub.Close(); err != nil {
			s.logger.Warnw("failed to close subscription", "error", err)
		}

		s.mu.Lock()
		s.channels = make(map[domain.ChannelID]struct{})
		s.online = make(map[domain.ChannelID]struct{})
		s.mu.Unlock()

		s.deps.Metrics.SessionClosed()
		s.logger.Infow("session disconnected")
	})
}
