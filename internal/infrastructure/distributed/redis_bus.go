package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
	redisrepo "chanrelay/internal/infrastructure/repositories/redis"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus routes payloads through Redis pub/sub so sessions on every node see them.
type RedisBus struct {
	client     *redis.Client
	keys       redisrepo.Keys
	buffer     int
	ackTimeout time.Duration
	metrics    ports.Metrics
	logger     *zap.SugaredLogger
}

func NewRedisBus(client *redis.Client, keys redisrepo.Keys, buffer int, metrics ports.Metrics, logger *zap.SugaredLogger) *RedisBus {
	return &RedisBus{
		client:  client,
		keys:    keys,
		buffer:  buffer,
		metrics: metrics,
		logger:  logger,
	}
}

// SetAckTimeout bounds how long Subscribe and Unsubscribe wait for Redis to confirm.
// Zero leaves the caller's context as the only bound.
func (b *RedisBus) SetAckTimeout(d time.Duration) {
	b.ackTimeout = d
}

func (b *RedisBus) Publish(ctx context.Context, channel domain.ChannelID, payload []byte) error {
	if err := b.client.Publish(ctx, b.keys.Bus(channel), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channels ...domain.ChannelID) (ports.Subscription, error) {
	sub := &redisSubscription{
		bus:     b,
		pubsub:  b.client.Subscribe(ctx),
		out:     make(chan ports.BusMessage, b.buffer),
		waiters: make(map[ackKey][]chan struct{}),
		done:    make(chan struct{}),
	}
	sub.wg.Add(1)
	go sub.pump(sub.pubsub.ChannelWithSubscriptions(redis.WithChannelSize(b.buffer)))

	if len(channels) > 0 {
		if err := sub.Subscribe(ctx, channels...); err != nil {
			_ = sub.Close()
			return nil, err
		}
	}
	return sub, nil
}

type ackKey struct {
	kind    string
	channel string
}

type redisSubscription struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	out    chan ports.BusMessage

	mu      sync.Mutex
	waiters map[ackKey][]chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func (s *redisSubscription) Messages() <-chan ports.BusMessage {
	return s.out
}

func (s *redisSubscription) Subscribe(ctx context.Context, channels ...domain.ChannelID) error {
	return s.change(ctx, "subscribe", channels, s.pubsub.Subscribe)
}

func (s *redisSubscription) Unsubscribe(ctx context.Context, channels ...domain.ChannelID) error {
	return s.change(ctx, "unsubscribe", channels, s.pubsub.Unsubscribe)
}

// change registers ack waiters before issuing the command so an early ack is never missed.
func (s *redisSubscription) change(ctx context.Context, kind string, channels []domain.ChannelID, cmd func(context.Context, ...string) error) error {
	if len(channels) == 0 {
		return nil
	}
	if s.bus.ackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.bus.ackTimeout)
		defer cancel()
	}

	names := make([]string, len(channels))
	acks := make([]chan struct{}, len(channels))
	s.mu.Lock()
	for i, ch := range channels {
		names[i] = s.bus.keys.Bus(ch)
		acks[i] = make(chan struct{}, 1)
		key := ackKey{kind: kind, channel: names[i]}
		s.waiters[key] = append(s.waiters[key], acks[i])
	}
	s.mu.Unlock()

	if err := cmd(ctx, names...); err != nil {
		s.dropWaiters(kind, names, acks)
		return fmt.Errorf("failed to %s %v: %w", kind, channels, err)
	}

	for i, ack := range acks {
		select {
		case <-ack:
		case <-s.done:
			s.dropWaiters(kind, names, acks)
			return fmt.Errorf("subscription closed while waiting for %s ack", kind)
		case <-ctx.Done():
			s.dropWaiters(kind, names, acks)
			return fmt.Errorf("no %s ack for %s: %w", kind, channels[i], ctx.Err())
		}
	}
	return nil
}

func (s *redisSubscription) dropWaiters(kind string, names []string, acks []chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, name := range names {
		key := ackKey{kind: kind, channel: name}
		list := s.waiters[key]
		for j, w := range list {
			if w == acks[i] {
				list = append(list[:j], list[j+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(s.waiters, key)
		} else {
			s.waiters[key] = list
		}
	}
}

func (s *redisSubscription) pump(in <-chan interface{}) {
	defer s.wg.Done()
	defer close(s.out)

	for raw := range in {
		switch m := raw.(type) {
		case *redis.Subscription:
			s.ack(m.Kind, m.Channel)
		case *redis.Message:
			channel, ok := s.bus.keys.BusChannel(m.Channel)
			if !ok {
				continue
			}
			select {
			case s.out <- ports.BusMessage{Channel: channel, Payload: []byte(m.Payload)}:
			default:
				s.bus.metrics.BusMessageDropped()
				s.bus.logger.Warnw("subscriber buffer full, dropping bus message",
					"channel", channel,
					"size", len(m.Payload),
				)
			}
		}
	}
}

// ack wakes the oldest waiter. Acks nobody waits for come from resubscription after a
// reconnect and are ignored.
func (s *redisSubscription) ack(kind, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ackKey{kind: kind, channel: channel}
	list := s.waiters[key]
	if len(list) == 0 {
		return
	}
	list[0] <- struct{}{}
	if len(list) == 1 {
		delete(s.waiters, key)
	} else {
		s.waiters[key] = list[1:]
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
		s.wg.Wait()
	})
	return err
}
