package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
	"chanrelay/internal/core/session"
	apperrors "chanrelay/pkg/errors"
	"chanrelay/pkg/utils"
	"chanrelay/pkg/validation"

	"go.uber.org/zap"
)

// SignalingService negotiates call and file-transfer connections between sessions.
//
// Every operation reads the statuses it needs, validates them, writes the new status
// of the acting participant and publishes to the participants that are still open.
// These steps are separate store calls, so two participants acting at the same time
// may each decide on a stale read.
type SignalingService struct {
	store     ports.SignalingStore
	publisher ports.Publisher
	metrics   ports.Metrics
	logger    *zap.SugaredLogger

	idLength int
	newID    func() domain.SignalingID
}

func NewSignalingService(
	store ports.SignalingStore,
	publisher ports.Publisher,
	metrics ports.Metrics,
	idLength int,
	logger *zap.SugaredLogger,
) *SignalingService {
	if idLength <= 0 {
		idLength = 8
	}
	return &SignalingService{
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		idLength:  idLength,
		newID: func() domain.SignalingID {
			return domain.SignalingID(utils.GenerateSignalingID(idLength))
		},
	}
}

// SetIDGenerator replaces the random connection id source.
func (s *SignalingService) SetIDGenerator(fn func() domain.SignalingID) {
	s.newID = fn
}

func (s *SignalingService) Routes() []session.Route {
	return []session.Route{
		{Action: domain.ActionOfferFile, Pre: s.Offer, Post: s.MarkOffered},
		{Action: domain.ActionOfferCall, Pre: s.Offer, Post: s.MarkOffered},
		{Action: domain.ActionReplyCall, Pre: s.ReplyCall},
		{Action: domain.ActionAcceptCall, Pre: s.AcceptCall},
		{Action: domain.ActionCloseCall, Pre: s.CloseCall},
		{Action: domain.ActionCancelCall, Pre: s.CancelCall},
		{Action: domain.ActionReplyFile, Pre: s.ReplyFile},
		{Action: domain.ActionAcceptFile, Pre: s.AcceptFile},
		{Action: domain.ActionRetryFile, Pre: s.RetryFile},
		{Action: domain.ActionProxy, Pre: s.Proxy},
		{Action: domain.ActionCloseFile, Pre: s.CloseFile},
	}
}

// Offer opens a new connection with the caller as its ready initiator, tells the
// caller the generated id and offers the connection to everyone in the channel.
func (s *SignalingService) Offer(ctx context.Context, peer ports.Peer, evt *domain.Event) (err error) {
	defer s.record(evt.Action, &err)

	channel := evt.Channel
	if verr := validation.ValidateChannelID(string(channel)); verr != nil {
		return apperrors.Validation(verr, verr.Error())
	}
	if !peer.IsSubscribed(channel) {
		return apperrors.Validation(domain.ErrNotSubscribed, "you are not subscribed to this channel").
			WithContext("channel", channel)
	}
	if len(evt.QueuedID) > validation.MaxQueuedIDLength {
		return apperrors.NewInvalidInputError("queued id is too long")
	}

	self := peer.ConnectionID()
	id := s.newID()
	if err := s.store.SetInitiator(ctx, id, self); err != nil {
		return err
	}
	if err := s.store.SetStatus(ctx, id, self, domain.StatusReady); err != nil {
		return err
	}

	echo := &domain.Event{
		Action:       domain.ActionSetConnectionID,
		Channel:      channel,
		ConnectionID: id,
		QueuedID:     evt.QueuedID,
		HandlerName:  domain.HandlerWebRTC,
	}
	if err := peer.Send(ctx, echo.Stamp()); err != nil {
		return err
	}

	offer := &domain.Event{
		Action:       evt.Action,
		Channel:      channel,
		ConnectionID: id,
		OpponentID:   self,
		UserID:       peer.UserID(),
		HandlerName:  domain.HandlerWebRTC,
		Content:      evt.Content,
	}
	if err := s.publisher.Publish(ctx, channel, offer, true); err != nil {
		return err
	}

	s.logger.Infow("connection offered",
		"action", evt.Action,
		"signaling_id", id,
		"channel", channel,
		"initiator", self,
	)
	return nil
}

// MarkOffered records every receiver of an offer as offered. The offerer's own copy
// is dropped.
func (s *SignalingService) MarkOffered(ctx context.Context, peer ports.Peer, evt *domain.Event) (session.Outcome, error) {
	self := peer.ConnectionID()
	if evt.OpponentID == self {
		return session.Suppress(), nil
	}
	if err := s.store.SetStatus(ctx, evt.ConnectionID, self, domain.StatusOffered); err != nil {
		return session.Outcome{}, err
	}
	return session.Forward(), nil
}

func (s *SignalingService) ReplyCall(ctx context.Context, peer ports.Peer, evt *domain.Event) error {
	return s.answerCall(ctx, peer, evt, domain.StatusResponded, domain.HandlerTransfer, domain.StatusOffered)
}

func (s *SignalingService) CloseCall(ctx context.Context, peer ports.Peer, evt *domain.Event) error {
	return s.answerCall(ctx, peer, evt, domain.StatusClosed, domain.HandlerPeerConnection,
		domain.StatusReady, domain.StatusResponded)
}

func (s *SignalingService) CancelCall(ctx context.Context, peer ports.Peer, evt *domain.Event) error {
	return s.answerCall(ctx, peer, evt, domain.StatusClosed, domain.HandlerTransfer, domain.StatusOffered)
}

func (s *SignalingService) answerCall(
	ctx context.Context,
	peer ports.Peer,
	evt *domain.Event,
	next domain.SignalStatus,
	handler domain.HandlerName,
	allowed ...domain.SignalStatus,
) (err error) {
	defer s.record(evt.Action, &err)

	id, err := s.connectionID(evt)
	if err != nil {
		return err
	}
	statuses, err := s.store.Statuses(ctx, id)
	if err != nil {
		return err
	}

	current, ok := statuses[peer.ConnectionID()]
	if !ok {
		return notParticipant(id)
	}
	if !current.In(allowed...) {
		return invalidStatus(evt.Action, id, current)
	}
	return s.publishCallAnswer(ctx, peer, evt.Action, id, statuses, next, handler, evt.Content)
}

// AcceptCall moves a responded participant to ready and notifies the others.
func (s *SignalingService) AcceptCall(ctx context.Context, peer ports.Peer, evt *domain.Event) (err error) {
	defer s.record(evt.Action, &err)

	id, err := s.connectionID(evt)
	if err != nil {
		return err
	}
	current, err := s.store.Status(ctx, id, peer.ConnectionID())
	if err != nil {
		return err
	}
	if current == domain.StatusAbsent {
		return notParticipant(id)
	}
	if current != domain.StatusResponded {
		return invalidStatus(evt.Action, id, current)
	}

	statuses, err := s.store.Statuses(ctx, id)
	if err != nil {
		return err
	}
	return s.publishCallAnswer(ctx, peer, evt.Action, id, statuses, domain.StatusReady,
		domain.HandlerTransfer, json.RawMessage(`{}`))
}

func (s *SignalingService) publishCallAnswer(
	ctx context.Context,
	peer ports.Peer,
	action domain.Action,
	id domain.SignalingID,
	statuses map[domain.ConnectionID]domain.SignalStatus,
	next domain.SignalStatus,
	handler domain.HandlerName,
	content json.RawMessage,
) error {
	self := peer.ConnectionID()
	if err := s.store.SetStatus(ctx, id, self, next); err != nil {
		return err
	}

	out := &domain.Event{
		Action:       action,
		ConnectionID: id,
		OpponentID:   self,
		UserID:       peer.UserID(),
		HandlerName:  handler,
		Content:      content,
	}
	for _, participant := range openParticipants(statuses, self) {
		if err := s.publisher.Publish(ctx, participant.Channel(), out, false); err != nil {
			return err
		}
	}

	s.logger.Debugw("call status changed",
		"action", action,
		"signaling_id", id,
		"participant", self,
		"status", next,
	)
	return nil
}

// ReplyFile lets an offered receiver answer the ready sender.
func (s *SignalingService) ReplyFile(ctx context.Context, peer ports.Peer, evt *domain.Event) (err error) {
	defer s.record(evt.Action, &err)

	id, sender, senderStatus, selfStatus, err := s.fileStatuses(ctx, peer, evt)
	if err != nil {
		return err
	}
	if senderStatus != domain.StatusReady || selfStatus != domain.StatusOffered {
		return invalidStatus(evt.Action, id, selfStatus)
	}
	if err := s.store.SetStatus(ctx, id, peer.ConnectionID(), domain.StatusResponded); err != nil {
		return err
	}
	return s.sendTo(ctx, sender, &domain.Event{
		Action:       evt.Action,
		ConnectionID: id,
		OpponentID:   peer.ConnectionID(),
		UserID:       peer.UserID(),
		HandlerName:  domain.HandlerTransfer,
		Content:      evt.Content,
	})
}

// AcceptFile marks a receiver ready to take the transfer from the ready sender.
func (s *SignalingService) AcceptFile(ctx context.Context, peer ports.Peer, evt *domain.Event) (err error) {
	defer s.record(evt.Action, &err)

	id, sender, senderStatus, selfStatus, err := s.fileStatuses(ctx, peer, evt)
	if err != nil {
		return err
	}
	if senderStatus != domain.StatusReady || !selfStatus.In(domain.StatusResponded, domain.StatusReady) {
		return invalidStatus(evt.Action, id, selfStatus)
	}
	if err := s.store.SetStatus(ctx, id, peer.ConnectionID(), domain.StatusReady); err != nil {
		return err
	}
	return s.sendTo(ctx, sender, &domain.Event{
		Action:       evt.Action,
		ConnectionID: id,
		OpponentID:   peer.ConnectionID(),
		UserID:       peer.UserID(),
		HandlerName:  domain.HandlerPeerConnection,
		Content:      evt.Content,
	})
}

// RetryFile lets the sender restart the transfer to a ready receiver.
func (s *SignalingService) RetryFile(ctx context.Context, peer ports.Peer, evt *domain.Event) (err error) {
	defer s.record(evt.Action, &err)

	id, err := s.connectionID(evt)
	if err != nil {
		return err
	}
	receiver := evt.OpponentID
	if receiver == "" {
		return apperrors.NewInvalidInputError("opponent is required")
	}
	sender, err := s.store.Initiator(ctx, id)
	if err != nil {
		return err
	}
	receiverStatus, err := s.store.Status(ctx, id, receiver)
	if err != nil {
		return err
	}
	if sender != peer.ConnectionID() || receiverStatus != domain.StatusReady {
		return invalidStatus(evt.Action, id, receiverStatus)
	}

	return s.sendTo(ctx, receiver, &domain.Event{
		Action:       evt.Action,
		ConnectionID: id,
		OpponentID:   peer.ConnectionID(),
		UserID:       peer.UserID(),
		HandlerName:  domain.HandlerPeerConnection,
	})
}

// Proxy relays a peer connection payload (session description, ICE candidate or
// anything else the clients agree on) between two ready participants.
func (s *SignalingService) Proxy(ctx context.Context, peer ports.Peer, evt *domain.Event) (err error) {
	defer s.record(evt.Action, &err)

	id, err := s.connectionID(evt)
	if err != nil {
		return err
	}
	self := peer.ConnectionID()
	target := evt.OpponentID
	if target == "" || target == self {
		return apperrors.NewInvalidInputError("opponent is required")
	}

	selfStatus, err := s.store.Status(ctx, id, self)
	if err != nil {
		return err
	}
	if selfStatus == domain.StatusAbsent {
		return notParticipant(id)
	}
	targetStatus, err := s.store.Status(ctx, id, target)
	if err != nil {
		return err
	}
	if selfStatus != domain.StatusReady || targetStatus != domain.StatusReady {
		return apperrors.Validation(domain.ErrInvalidTransition,
			fmt.Sprintf("error in connection status, your status is %s while opponent is %s", selfStatus, targetStatus)).
			WithContext("signaling_id", id)
	}
	if verr := validateSignalPayload(evt.Content); verr != nil {
		return apperrors.Validation(verr, verr.Error())
	}

	out := evt.Clone()
	out.OpponentID = self
	out.UserID = peer.UserID()
	out.HandlerName = domain.HandlerPeerConnection
	return s.sendTo(ctx, target, out)
}

// CloseFile closes the caller's side of a transfer. A closing sender notifies every
// receiver still open, a closing receiver notifies only the sender.
func (s *SignalingService) CloseFile(ctx context.Context, peer ports.Peer, evt *domain.Event) (err error) {
	defer s.record(evt.Action, &err)

	id, err := s.connectionID(evt)
	if err != nil {
		return err
	}
	self := peer.ConnectionID()
	selfStatus, err := s.store.Status(ctx, id, self)
	if err != nil {
		return err
	}
	if selfStatus == domain.StatusAbsent {
		return notParticipant(id)
	}
	if selfStatus == domain.StatusClosed {
		return invalidStatus(evt.Action, id, selfStatus)
	}
	sender, err := s.store.Initiator(ctx, id)
	if err != nil {
		return err
	}

	out := &domain.Event{
		Action:       evt.Action,
		ConnectionID: id,
		OpponentID:   self,
		UserID:       peer.UserID(),
		HandlerName:  domain.HandlerPeerConnection,
		Content:      evt.Content,
	}

	if sender == self {
		statuses, err := s.store.Statuses(ctx, id)
		if err != nil {
			return err
		}
		if err := s.store.SetStatus(ctx, id, self, domain.StatusClosed); err != nil {
			return err
		}
		for _, participant := range openParticipants(statuses, self) {
			if err := s.sendTo(ctx, participant, out); err != nil {
				return err
			}
		}
		return nil
	}

	senderStatus, err := s.store.Status(ctx, id, sender)
	if err != nil {
		return err
	}
	if senderStatus == domain.StatusAbsent {
		return notParticipant(id)
	}
	if err := s.store.SetStatus(ctx, id, self, domain.StatusClosed); err != nil {
		return err
	}
	if senderStatus == domain.StatusClosed {
		return nil
	}
	return s.sendTo(ctx, sender, out)
}

// fileStatuses resolves the sender of a transfer and reads the sender's and the
// caller's statuses.
func (s *SignalingService) fileStatuses(ctx context.Context, peer ports.Peer, evt *domain.Event) (
	id domain.SignalingID,
	sender domain.ConnectionID,
	senderStatus domain.SignalStatus,
	selfStatus domain.SignalStatus,
	err error,
) {
	id, err = s.connectionID(evt)
	if err != nil {
		return "", "", "", "", err
	}
	sender, err = s.store.Initiator(ctx, id)
	if err != nil {
		return "", "", "", "", err
	}
	if sender == "" {
		return "", "", "", "", notParticipant(id)
	}
	senderStatus, err = s.store.Status(ctx, id, sender)
	if err != nil {
		return "", "", "", "", err
	}
	selfStatus, err = s.store.Status(ctx, id, peer.ConnectionID())
	if err != nil {
		return "", "", "", "", err
	}
	if selfStatus == domain.StatusAbsent {
		return "", "", "", "", notParticipant(id)
	}
	return id, sender, senderStatus, selfStatus, nil
}

func (s *SignalingService) sendTo(ctx context.Context, target domain.ConnectionID, evt *domain.Event) error {
	return s.publisher.Publish(ctx, target.Channel(), evt, false)
}

func (s *SignalingService) connectionID(evt *domain.Event) (domain.SignalingID, error) {
	if err := validation.ValidateSignalingID(string(evt.ConnectionID), s.idLength); err != nil {
		return "", apperrors.Validation(err, err.Error())
	}
	return evt.ConnectionID, nil
}

func (s *SignalingService) record(action domain.Action, err *error) {
	result := "ok"
	switch {
	case *err == nil:
	case apperrors.IsValidation(*err):
		result = "invalid"
	case apperrors.IsAccessDenied(*err):
		result = "denied"
	default:
		result = "error"
	}
	s.metrics.SignalingTransition(action, result)
}

// openParticipants lists every participant other than self that has not closed,
// in a stable order.
func openParticipants(statuses map[domain.ConnectionID]domain.SignalStatus, self domain.ConnectionID) []domain.ConnectionID {
	out := make([]domain.ConnectionID, 0, len(statuses))
	for participant, status := range statuses {
		if participant == self || status == domain.StatusClosed {
			continue
		}
		out = append(out, participant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func notParticipant(id domain.SignalingID) error {
	return apperrors.AccessDenied(domain.ErrAccessDenied, "you are not a participant of this connection").
		WithContext("signaling_id", id)
}

func invalidStatus(action domain.Action, id domain.SignalingID, status domain.SignalStatus) error {
	return apperrors.Validation(domain.ErrInvalidTransition,
		fmt.Sprintf("invalid channel status for %s: %s", action, status)).
		WithContext("signaling_id", id)
}
