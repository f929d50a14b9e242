package services

import (
	"context"
	"sort"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"

	"go.uber.org/zap"
)

type presenceService struct {
	store     ports.PresenceStore
	publisher ports.Publisher
	metrics   ports.Metrics
	logger    *zap.SugaredLogger
}

func NewPresenceService(
	store ports.PresenceStore,
	publisher ports.Publisher,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) ports.PresenceTracker {
	return &presenceService{
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

// AddOnline registers the peer in the channel. A user who is already online there
// through another connection only gets a refresh; otherwise the whole channel learns
// about the login and the peer receives what it missed.
func (s *presenceService) AddOnline(ctx context.Context, peer ports.Peer, channel domain.ChannelID, offline []domain.Message) error {
	if err := s.store.Add(ctx, channel, peer.ConnectionID()); err != nil {
		return err
	}
	// read after the write so a concurrent first login never sees a stale set
	members, err := s.store.Members(ctx, channel)
	if err != nil {
		return err
	}

	users, otherTab := onlineUsers(members, peer.ConnectionID())
	if otherTab {
		s.metrics.PresenceBroadcast(domain.ActionRefresh)
		s.logger.Debugw("second tab online", "channel", channel, "connection_id", peer.ConnectionID())
		return peer.Send(ctx, (&domain.Event{
			Action:      domain.ActionRefresh,
			Channel:     channel,
			HandlerName: domain.HandlerChannels,
			UserID:      peer.UserID(),
			Online:      users,
		}).Stamp())
	}

	login := &domain.Event{
		Action:      domain.ActionLogin,
		Channel:     channel,
		HandlerName: domain.HandlerChannels,
		UserID:      peer.UserID(),
		Online:      users,
	}
	if err := s.publisher.Publish(ctx, channel, login, false); err != nil {
		return err
	}
	s.metrics.PresenceBroadcast(domain.ActionLogin)

	if len(offline) == 0 {
		return nil
	}
	return peer.Send(ctx, (&domain.Event{
		Action:      domain.ActionOfflineMessages,
		Channel:     channel,
		HandlerName: domain.HandlerChat,
		Messages:    offline,
	}).Stamp())
}

// RemoveOnline drops the peer from the channel and announces the remaining users.
// On teardown nobody is left listening, so nothing is published.
func (s *presenceService) RemoveOnline(ctx context.Context, peer ports.Peer, channel domain.ChannelID, teardown bool) error {
	if err := s.store.Remove(ctx, channel, peer.ConnectionID()); err != nil {
		return err
	}
	if teardown {
		return nil
	}

	members, err := s.store.Members(ctx, channel)
	if err != nil {
		return err
	}
	users, _ := onlineUsers(members, peer.ConnectionID())

	logout := &domain.Event{
		Action:      domain.ActionLogout,
		Channel:     channel,
		HandlerName: domain.HandlerChannels,
		UserID:      peer.UserID(),
		Online:      users,
	}
	if err := s.publisher.Publish(ctx, channel, logout, false); err != nil {
		return err
	}
	s.metrics.PresenceBroadcast(domain.ActionLogout)
	return nil
}

func (s *presenceService) Online(ctx context.Context, channel domain.ChannelID) ([]domain.UserID, error) {
	members, err := s.store.Members(ctx, channel)
	if err != nil {
		return nil, err
	}
	users, _ := onlineUsers(members, "")
	return users, nil
}

// onlineUsers collapses connections into sorted distinct user ids and reports whether
// the owner of self is online through some other connection.
func onlineUsers(members []domain.ConnectionID, self domain.ConnectionID) ([]domain.UserID, bool) {
	owner := self.UserID()
	seen := make(map[domain.UserID]struct{}, len(members))
	users := make([]domain.UserID, 0, len(members))
	otherTab := false

	for _, conn := range members {
		user := conn.UserID()
		if self != "" && conn != self && user == owner {
			otherTab = true
		}
		if _, ok := seen[user]; ok {
			continue
		}
		seen[user] = struct{}{}
		users = append(users, user)
	}

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, otherTab
}
