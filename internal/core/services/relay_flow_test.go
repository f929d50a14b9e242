package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
	"chanrelay/internal/core/session"
	"chanrelay/internal/infrastructure/distributed"
	"chanrelay/internal/infrastructure/monitoring"
	"chanrelay/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// staticRooms puts every user in the same rooms and never has unread messages.
type staticRooms struct {
	rooms []domain.ChannelID
}

func (r staticRooms) SessionRooms(ctx context.Context, userID domain.UserID) ([]ports.SessionRoom, error) {
	out := make([]ports.SessionRoom, 0, len(r.rooms))
	for _, id := range r.rooms {
		out = append(out, ports.SessionRoom{Room: &domain.Room{ID: id, Name: "room " + string(id)}})
	}
	return out, nil
}

func (staticRooms) MarkRead(ctx context.Context, channel domain.ChannelID, userID domain.UserID) error {
	return nil
}

type liveSession struct {
	*session.Session
	inbound chan []byte
}

func (s *liveSession) send(t *testing.T, evt map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	s.inbound <- data
}

// expect reads outbound frames until one carries action, skipping the rest.
func (s *liveSession) expect(t *testing.T, action domain.Action) *domain.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-s.Outbound():
			evt, err := domain.ParseEvent(data)
			require.NoError(t, err)
			if evt.Action == domain.ActionError {
				t.Fatalf("%s got error event while waiting for %s: %s", s.ConnectionID(), action, evt.Error)
			}
			if evt.Action == action {
				return evt
			}
		case <-deadline:
			t.Fatalf("%s did not receive %s", s.ConnectionID(), action)
			return nil
		}
	}
}

// refute fails if action shows up on the session within wait.
func (s *liveSession) refute(t *testing.T, action domain.Action, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case data := <-s.Outbound():
			evt, err := domain.ParseEvent(data)
			require.NoError(t, err)
			assert.NotEqual(t, action, evt.Action, "unexpected %s on %s", action, s.ConnectionID())
		case <-deadline:
			return
		}
	}
}

func startSessions(t *testing.T, users ...domain.UserID) []*liveSession {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	metrics := monitoring.NopMetrics{}

	bus := distributed.NewLocalBus(64, metrics, logger)
	publisher := NewEventPublisher(bus, metrics, logger)
	presence := NewPresenceService(memory.NewPresenceStore(), publisher, metrics, logger)
	signaling := NewSignalingService(memory.NewSignalingStore(), publisher, metrics, 8, logger)
	signaling.SetIDGenerator(func() domain.SignalingID { return testSignalingID })

	registry := session.NewRegistry()
	require.NoError(t, registry.RegisterRoutes(signaling.Routes()...))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	out := make([]*liveSession, 0, len(users))
	for _, user := range users {
		s := session.New(user, session.Config{DefaultRoom: "5", SendBuffer: 64}, session.Deps{
			Registry: registry,
			Bus:      bus,
			Presence: presence,
			Rooms:    staticRooms{rooms: []domain.ChannelID{"5"}},
			Metrics:  metrics,
			Logger:   logger,
		})
		require.NoError(t, s.Connect(ctx))

		live := &liveSession{Session: s, inbound: make(chan []byte, 8)}
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = s.Run(ctx, live.inbound)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
			s.Disconnect()
		})

		live.expect(t, domain.ActionWelcome)
		out = append(out, live)
	}
	return out
}

func TestRelayFlow_FileTransferHandshake(t *testing.T) {
	sessions := startSessions(t, "1", "2")
	a, b := sessions[0], sessions[1]
	id := string(testSignalingID)

	a.send(t, map[string]interface{}{
		"event":    "offerFile",
		"channel":  "5",
		"queuedId": "q-7",
		"content":  map[string]interface{}{"name": "notes.txt", "size": 120},
	})

	echo := a.expect(t, domain.ActionSetConnectionID)
	assert.Equal(t, testSignalingID, echo.ConnectionID)
	assert.Equal(t, "q-7", echo.QueuedID)

	offer := b.expect(t, domain.ActionOfferFile)
	assert.Equal(t, testSignalingID, offer.ConnectionID)
	assert.Equal(t, a.ConnectionID(), offer.OpponentID)
	assert.Equal(t, domain.HandlerWebRTC, offer.HandlerName)
	assert.Equal(t, domain.UserID("1"), offer.UserID)

	b.send(t, map[string]interface{}{"event": "replyFile", "connectionId": id})
	reply := a.expect(t, domain.ActionReplyFile)
	assert.Equal(t, b.ConnectionID(), reply.OpponentID)
	assert.Equal(t, domain.HandlerTransfer, reply.HandlerName)

	b.send(t, map[string]interface{}{"event": "acceptFile", "connectionId": id})
	accept := a.expect(t, domain.ActionAcceptFile)
	assert.Equal(t, b.ConnectionID(), accept.OpponentID)

	candidate := map[string]interface{}{
		"candidate":     "candidate:842163049 1 udp 1677729535 192.0.2.7 50123 typ srflx raddr 0.0.0.0 rport 0",
		"sdpMid":        "0",
		"sdpMLineIndex": 0,
	}
	a.send(t, map[string]interface{}{
		"event":        "sendRtcData",
		"connectionId": id,
		"opponentId":   string(b.ConnectionID()),
		"content":      candidate,
	})

	relayed := b.expect(t, domain.ActionProxy)
	assert.Equal(t, a.ConnectionID(), relayed.OpponentID)
	assert.Equal(t, domain.HandlerPeerConnection, relayed.HandlerName)
	want, err := json.Marshal(candidate)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(relayed.Content))

	a.refute(t, domain.ActionProxy, 100*time.Millisecond)
}

func TestRelayFlow_ErrorsStayWithTheCaller(t *testing.T) {
	sessions := startSessions(t, "1", "2")
	a, b := sessions[0], sessions[1]

	// nobody offered this connection yet
	b.send(t, map[string]interface{}{"event": "replyFile", "connectionId": string(testSignalingID)})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-b.Outbound():
			evt, err := domain.ParseEvent(data)
			require.NoError(t, err)
			if evt.Action != domain.ActionError {
				continue
			}
			assert.Equal(t, domain.HandlerGrowl, evt.HandlerName)
			assert.Equal(t, testSignalingID, evt.ConnectionID)
			assert.Equal(t, "FORBIDDEN", evt.Code)
			a.refute(t, domain.ActionError, 100*time.Millisecond)
			return
		case <-deadline:
			t.Fatalf("%s did not receive an error", b.ConnectionID())
		}
	}
}
