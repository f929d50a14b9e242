package redis

import (
	"context"
	"fmt"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// PresenceStore keeps one set of connection ids per channel.
type PresenceStore struct {
	client *redis.Client
	keys   Keys
}

func NewPresenceStore(client *redis.Client, keys Keys) ports.PresenceStore {
	return &PresenceStore{client: client, keys: keys}
}

func (s *PresenceStore) Add(ctx context.Context, channel domain.ChannelID, conn domain.ConnectionID) error {
	if err := s.client.SAdd(ctx, s.keys.Presence(channel), string(conn)).Err(); err != nil {
		return fmt.Errorf("failed to add %s to presence of %s: %w", conn, channel, err)
	}
	return nil
}

func (s *PresenceStore) Remove(ctx context.Context, channel domain.ChannelID, conn domain.ConnectionID) error {
	if err := s.client.SRem(ctx, s.keys.Presence(channel), string(conn)).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from presence of %s: %w", conn, channel, err)
	}
	return nil
}

func (s *PresenceStore) Members(ctx context.Context, channel domain.ChannelID) ([]domain.ConnectionID, error) {
	members, err := s.client.SMembers(ctx, s.keys.Presence(channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence of %s: %w", channel, err)
	}
	conns := make([]domain.ConnectionID, len(members))
	for i, m := range members {
		conns[i] = domain.ConnectionID(m)
	}
	return conns, nil
}
