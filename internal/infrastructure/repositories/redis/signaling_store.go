package redis

import (
	"context"
	"errors"
	"fmt"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// SignalingStore keeps one hash per signaling connection (participant -> status) and
// a reserved hash of initiators. Every call is a single command; there is no
// multi-key transaction.
type SignalingStore struct {
	client *redis.Client
	keys   Keys
}

func NewSignalingStore(client *redis.Client, keys Keys) ports.SignalingStore {
	return &SignalingStore{client: client, keys: keys}
}

func (s *SignalingStore) Statuses(ctx context.Context, id domain.SignalingID) (map[domain.ConnectionID]domain.SignalStatus, error) {
	raw, err := s.client.HGetAll(ctx, s.keys.Signal(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read statuses of %s: %w", id, err)
	}
	statuses := make(map[domain.ConnectionID]domain.SignalStatus, len(raw))
	for participant, status := range raw {
		statuses[domain.ConnectionID(participant)] = domain.SignalStatus(status)
	}
	return statuses, nil
}

func (s *SignalingStore) Status(ctx context.Context, id domain.SignalingID, participant domain.ConnectionID) (domain.SignalStatus, error) {
	status, err := s.client.HGet(ctx, s.keys.Signal(id), string(participant)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.StatusAbsent, nil
	}
	if err != nil {
		return domain.StatusAbsent, fmt.Errorf("failed to read status of %s in %s: %w", participant, id, err)
	}
	return domain.SignalStatus(status), nil
}

func (s *SignalingStore) SetStatus(ctx context.Context, id domain.SignalingID, participant domain.ConnectionID, status domain.SignalStatus) error {
	if !status.Valid() {
		return fmt.Errorf("refusing to store status %q for %s in %s", status, participant, id)
	}
	if err := s.client.HSet(ctx, s.keys.Signal(id), string(participant), string(status)).Err(); err != nil {
		return fmt.Errorf("failed to set status of %s in %s: %w", participant, id, err)
	}
	return nil
}

func (s *SignalingStore) SetInitiator(ctx context.Context, id domain.SignalingID, initiator domain.ConnectionID) error {
	if err := s.client.HSet(ctx, s.keys.Initiators(), string(id), string(initiator)).Err(); err != nil {
		return fmt.Errorf("failed to record initiator of %s: %w", id, err)
	}
	return nil
}

func (s *SignalingStore) Initiator(ctx context.Context, id domain.SignalingID) (domain.ConnectionID, error) {
	conn, err := s.client.HGet(ctx, s.keys.Initiators(), string(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read initiator of %s: %w", id, err)
	}
	return domain.ConnectionID(conn), nil
}
