package memory

import (
	"context"
	"fmt"
	"sync"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
)

// SignalingStore is the single-process signaling store.
type SignalingStore struct {
	mu         sync.RWMutex
	statuses   map[domain.SignalingID]map[domain.ConnectionID]domain.SignalStatus
	initiators map[domain.SignalingID]domain.ConnectionID
}

func NewSignalingStore() ports.SignalingStore {
	return &SignalingStore{
		statuses:   make(map[domain.SignalingID]map[domain.ConnectionID]domain.SignalStatus),
		initiators: make(map[domain.SignalingID]domain.ConnectionID),
	}
}

func (s *SignalingStore) Statuses(ctx context.Context, id domain.SignalingID) (map[domain.ConnectionID]domain.SignalStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[domain.ConnectionID]domain.SignalStatus, len(s.statuses[id]))
	for participant, status := range s.statuses[id] {
		out[participant] = status
	}
	return out, nil
}

func (s *SignalingStore) Status(ctx context.Context, id domain.SignalingID, participant domain.ConnectionID) (domain.SignalStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[id][participant], nil
}

func (s *SignalingStore) SetStatus(ctx context.Context, id domain.SignalingID, participant domain.ConnectionID, status domain.SignalStatus) error {
	if !status.Valid() {
		return fmt.Errorf("refusing to store status %q for %s in %s", status, participant, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	participants, ok := s.statuses[id]
	if !ok {
		participants = make(map[domain.ConnectionID]domain.SignalStatus)
		s.statuses[id] = participants
	}
	participants[participant] = status
	return nil
}

func (s *SignalingStore) SetInitiator(ctx context.Context, id domain.SignalingID, initiator domain.ConnectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initiators[id] = initiator
	return nil
}

func (s *SignalingStore) Initiator(ctx context.Context, id domain.SignalingID) (domain.ConnectionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initiators[id], nil
}
