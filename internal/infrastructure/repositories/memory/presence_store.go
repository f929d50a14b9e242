package memory

import (
	"context"
	"sort"
	"sync"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
)

// PresenceStore is the single-process presence store.
type PresenceStore struct {
	mu       sync.RWMutex
	channels map[domain.ChannelID]map[domain.ConnectionID]struct{}
}

func NewPresenceStore() ports.PresenceStore {
	return &PresenceStore{
		channels: make(map[domain.ChannelID]map[domain.ConnectionID]struct{}),
	}
}

func (s *PresenceStore) Add(ctx context.Context, channel domain.ChannelID, conn domain.ConnectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.channels[channel]
	if !ok {
		set = make(map[domain.ConnectionID]struct{})
		s.channels[channel] = set
	}
	set[conn] = struct{}{}
	return nil
}

func (s *PresenceStore) Remove(ctx context.Context, channel domain.ChannelID, conn domain.ConnectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.channels[channel]
	if !ok {
		return nil
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(s.channels, channel)
	}
	return nil
}

func (s *PresenceStore) Members(ctx context.Context, channel domain.ChannelID) ([]domain.ConnectionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.channels[channel]
	conns := make([]domain.ConnectionID, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i] < conns[j] })
	return conns, nil
}
