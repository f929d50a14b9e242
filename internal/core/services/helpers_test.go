package services

import (
	"context"
	"sort"
	"sync"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
)

// fakePeer records what services send to it directly.
type fakePeer struct {
	id domain.ConnectionID

	mu       sync.Mutex
	channels map[domain.ChannelID]struct{}
	sent     []*domain.Event
	joined   []domain.ChannelID
	left     []domain.ChannelID
	teardown []bool
}

func newFakePeer(id domain.ConnectionID, channels ...domain.ChannelID) *fakePeer {
	p := &fakePeer{id: id, channels: make(map[domain.ChannelID]struct{})}
	for _, ch := range channels {
		p.channels[ch] = struct{}{}
	}
	return p
}

func (p *fakePeer) ConnectionID() domain.ConnectionID { return p.id }
func (p *fakePeer) UserID() domain.UserID             { return p.id.UserID() }

func (p *fakePeer) Channels() []domain.ChannelID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ChannelID, 0, len(p.channels))
	for ch := range p.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *fakePeer) IsSubscribed(channel domain.ChannelID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.channels[channel]
	return ok
}

func (p *fakePeer) Send(ctx context.Context, evt *domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, evt.Clone())
	return nil
}

func (p *fakePeer) Join(ctx context.Context, channel domain.ChannelID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[channel] = struct{}{}
	p.joined = append(p.joined, channel)
	return nil
}

func (p *fakePeer) Leave(ctx context.Context, channel domain.ChannelID, teardown bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.channels, channel)
	p.left = append(p.left, channel)
	p.teardown = append(p.teardown, teardown)
	return nil
}

func (p *fakePeer) Sent() []*domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.Event(nil), p.sent...)
}

type published struct {
	Channel  domain.ChannelID
	Event    *domain.Event
	Parsable bool
}

// recordingPublisher captures publishes instead of putting them on a bus.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

var _ ports.Publisher = (*recordingPublisher)(nil)

func (r *recordingPublisher) Publish(ctx context.Context, channel domain.ChannelID, evt *domain.Event, parsable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, published{Channel: channel, Event: evt.Clone(), Parsable: parsable})
	return nil
}

func (r *recordingPublisher) All() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.msgs...)
}

func (r *recordingPublisher) Channels() []domain.ChannelID {
	var out []domain.ChannelID
	for _, m := range r.All() {
		out = append(out, m.Channel)
	}
	return out
}

func (r *recordingPublisher) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}
