package distributed

import (
	"context"
	"fmt"
	"sync"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"

	"go.uber.org/zap"
)

// LocalBus is the in-process bus used when Redis is disabled. Subscribe and Unsubscribe
// take effect before they return; a single publisher's order per channel is kept.
type LocalBus struct {
	mu      sync.RWMutex
	subs    map[domain.ChannelID]map[*localSubscription]struct{}
	buffer  int
	metrics ports.Metrics
	logger  *zap.SugaredLogger
}

func NewLocalBus(buffer int, metrics ports.Metrics, logger *zap.SugaredLogger) *LocalBus {
	return &LocalBus{
		subs:    make(map[domain.ChannelID]map[*localSubscription]struct{}),
		buffer:  buffer,
		metrics: metrics,
		logger:  logger,
	}
}

func (b *LocalBus) Publish(ctx context.Context, channel domain.ChannelID, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	msg := ports.BusMessage{Channel: channel, Payload: append([]byte(nil), payload...)}
	for sub := range b.subs[channel] {
		if !sub.deliver(msg) {
			b.metrics.BusMessageDropped()
			b.logger.Warnw("subscriber buffer full, dropping bus message",
				"channel", channel,
				"size", len(payload),
			)
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, channels ...domain.ChannelID) (ports.Subscription, error) {
	sub := &localSubscription{
		bus: b,
		out: make(chan ports.BusMessage, b.buffer),
	}
	if err := sub.Subscribe(ctx, channels...); err != nil {
		return nil, err
	}
	return sub, nil
}

type localSubscription struct {
	bus *LocalBus
	out chan ports.BusMessage

	mu     sync.Mutex
	closed bool
}

func (s *localSubscription) Messages() <-chan ports.BusMessage {
	return s.out
}

func (s *localSubscription) Subscribe(ctx context.Context, channels ...domain.ChannelID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	for _, ch := range channels {
		set, ok := s.bus.subs[ch]
		if !ok {
			set = make(map[*localSubscription]struct{})
			s.bus.subs[ch] = set
		}
		set[s] = struct{}{}
	}
	return nil
}

func (s *localSubscription) Unsubscribe(ctx context.Context, channels ...domain.ChannelID) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.removeLocked(channels)
	return nil
}

func (s *localSubscription) removeLocked(channels []domain.ChannelID) {
	for _, ch := range channels {
		set := s.bus.subs[ch]
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, ch)
		}
	}
}

func (s *localSubscription) deliver(msg ports.BusMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

func (s *localSubscription) Close() error {
	s.bus.mu.Lock()
	for ch, set := range s.bus.subs {
		if _, ok := set[s]; ok {
			s.removeLocked([]domain.ChannelID{ch})
		}
	}
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}
