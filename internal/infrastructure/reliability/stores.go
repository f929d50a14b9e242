package reliability

import (
	"context"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
)

// PresenceStore guards a ports.PresenceStore.
type PresenceStore struct {
	store ports.PresenceStore
	guard *Guard
}

func NewPresenceStore(store ports.PresenceStore, guard *Guard) *PresenceStore {
	return &PresenceStore{store: store, guard: guard}
}

func (p *PresenceStore) Add(ctx context.Context, channel domain.ChannelID, conn domain.ConnectionID) error {
	return guardWrite(ctx, p.guard, "sadd", string(channel), func(ctx context.Context) error {
		return p.store.Add(ctx, channel, conn)
	})
}

func (p *PresenceStore) Remove(ctx context.Context, channel domain.ChannelID, conn domain.ConnectionID) error {
	return guardWrite(ctx, p.guard, "srem", string(channel), func(ctx context.Context) error {
		return p.store.Remove(ctx, channel, conn)
	})
}

func (p *PresenceStore) Members(ctx context.Context, channel domain.ChannelID) ([]domain.ConnectionID, error) {
	return guardRead(ctx, p.guard, "smembers", string(channel), func(ctx context.Context) ([]domain.ConnectionID, error) {
		return p.store.Members(ctx, channel)
	})
}

// SignalingStore guards a ports.SignalingStore.
type SignalingStore struct {
	store ports.SignalingStore
	guard *Guard
}

func NewSignalingStore(store ports.SignalingStore, guard *Guard) *SignalingStore {
	return &SignalingStore{store: store, guard: guard}
}

func (s *SignalingStore) Statuses(ctx context.Context, id domain.SignalingID) (map[domain.ConnectionID]domain.SignalStatus, error) {
	return guardRead(ctx, s.guard, "hgetall", string(id), func(ctx context.Context) (map[domain.ConnectionID]domain.SignalStatus, error) {
		return s.store.Statuses(ctx, id)
	})
}

func (s *SignalingStore) Status(ctx context.Context, id domain.SignalingID, participant domain.ConnectionID) (domain.SignalStatus, error) {
	return guardRead(ctx, s.guard, "hget", string(id), func(ctx context.Context) (domain.SignalStatus, error) {
		return s.store.Status(ctx, id, participant)
	})
}

func (s *SignalingStore) SetStatus(ctx context.Context, id domain.SignalingID, participant domain.ConnectionID, status domain.SignalStatus) error {
	return guardWrite(ctx, s.guard, "hset", string(id), func(ctx context.Context) error {
		return s.store.SetStatus(ctx, id, participant, status)
	})
}

func (s *SignalingStore) SetInitiator(ctx context.Context, id domain.SignalingID, initiator domain.ConnectionID) error {
	return guardWrite(ctx, s.guard, "hset", "initiators", func(ctx context.Context) error {
		return s.store.SetInitiator(ctx, id, initiator)
	})
}

func (s *SignalingStore) Initiator(ctx context.Context, id domain.SignalingID) (domain.ConnectionID, error) {
	return guardRead(ctx, s.guard, "hget", "initiators", func(ctx context.Context) (domain.ConnectionID, error) {
		return s.store.Initiator(ctx, id)
	})
}

// Bus guards publishing and subscription changes on a ports.Bus. Subscribe waits for
// acknowledgements under the caller's context, not the per-call timeout.
type Bus struct {
	bus   ports.Bus
	guard *Guard
}

func NewBus(bus ports.Bus, guard *Guard) *Bus {
	return &Bus{bus: bus, guard: guard}
}

func (b *Bus) Publish(ctx context.Context, channel domain.ChannelID, payload []byte) error {
	return guardWrite(ctx, b.guard, "publish", string(channel), func(ctx context.Context) error {
		return b.bus.Publish(ctx, channel, payload)
	})
}

func (b *Bus) Subscribe(ctx context.Context, channels ...domain.ChannelID) (ports.Subscription, error) {
	sub, err := b.bus.Subscribe(ctx, channels...)
	if err != nil {
		return nil, b.guard.fail(ctx, "subscribe", "", err)
	}
	return &subscription{Subscription: sub, guard: b.guard}, nil
}

type subscription struct {
	ports.Subscription
	guard *Guard
}

func (s *subscription) Subscribe(ctx context.Context, channels ...domain.ChannelID) error {
	if err := s.Subscription.Subscribe(ctx, channels...); err != nil {
		return s.guard.fail(ctx, "subscribe", "", err)
	}
	return nil
}

func (s *subscription) Unsubscribe(ctx context.Context, channels ...domain.ChannelID) error {
	if err := s.Subscription.Unsubscribe(ctx, channels...); err != nil {
		return s.guard.fail(ctx, "unsubscribe", "", err)
	}
	return nil
}

var (
	_ ports.PresenceStore  = (*PresenceStore)(nil)
	_ ports.SignalingStore = (*SignalingStore)(nil)
	_ ports.Bus            = (*Bus)(nil)
)
