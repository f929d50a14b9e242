package services

import (
	"context"
	"errors"
	"testing"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/infrastructure/monitoring"
	"chanrelay/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newPresenceFixture(t *testing.T) (*presenceService, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	svc := NewPresenceService(memory.NewPresenceStore(), pub, monitoring.NopMetrics{}, zaptest.NewLogger(t).Sugar())
	return svc.(*presenceService), pub
}

func TestPresence_FirstTabBroadcastsLogin(t *testing.T) {
	svc, pub := newPresenceFixture(t)
	ctx := context.Background()

	other := newFakePeer("2:aaa")
	require.NoError(t, svc.AddOnline(ctx, other, "1", nil))
	pub.Reset()

	peer := newFakePeer("7:bbb")
	offline := []domain.Message{{ID: 3, RoomID: "1", SenderID: "2", Content: "hi"}}
	require.NoError(t, svc.AddOnline(ctx, peer, "1", offline))

	msgs := pub.All()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ChannelID("1"), msgs[0].Channel)
	assert.False(t, msgs[0].Parsable)
	assert.Equal(t, domain.ActionLogin, msgs[0].Event.Action)
	assert.Equal(t, domain.UserID("7"), msgs[0].Event.UserID)
	assert.Equal(t, []domain.UserID{"2", "7"}, msgs[0].Event.Online)

	sent := peer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.ActionOfflineMessages, sent[0].Action)
	assert.Equal(t, offline, sent[0].Messages)
}

func TestPresence_SecondTabOnlyRefreshes(t *testing.T) {
	svc, pub := newPresenceFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.AddOnline(ctx, newFakePeer("7:first"), "1", nil))
	pub.Reset()

	second := newFakePeer("7:second")
	offline := []domain.Message{{ID: 1, RoomID: "1", SenderID: "2"}}
	require.NoError(t, svc.AddOnline(ctx, second, "1", offline))

	for _, m := range pub.All() {
		assert.NotEqual(t, domain.ActionLogin, m.Event.Action)
	}
	assert.Empty(t, pub.All())

	sent := second.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.ActionRefresh, sent[0].Action)
	assert.Equal(t, []domain.UserID{"7"}, sent[0].Online)
}

func TestPresence_AddThenRemoveRestoresSet(t *testing.T) {
	ctx := context.Background()

	cases := map[string][]domain.ConnectionID{
		"empty channel":       nil,
		"other users":         {"2:a", "3:b"},
		"same user elsewhere": {"7:other"},
	}
	for name, initial := range cases {
		t.Run(name, func(t *testing.T) {
			store := memory.NewPresenceStore()
			svc := NewPresenceService(store, &recordingPublisher{}, monitoring.NopMetrics{}, zaptest.NewLogger(t).Sugar())
			for _, conn := range initial {
				require.NoError(t, store.Add(ctx, "1", conn))
			}
			before, err := store.Members(ctx, "1")
			require.NoError(t, err)

			peer := newFakePeer("7:peer")
			require.NoError(t, svc.AddOnline(ctx, peer, "1", nil))
			require.NoError(t, svc.RemoveOnline(ctx, peer, "1", false))

			after, err := store.Members(ctx, "1")
			require.NoError(t, err)
			assert.ElementsMatch(t, before, after)
		})
	}
}

func TestPresence_RemoveBroadcastsLogout(t *testing.T) {
	svc, pub := newPresenceFixture(t)
	ctx := context.Background()

	a := newFakePeer("2:a")
	b := newFakePeer("7:b")
	require.NoError(t, svc.AddOnline(ctx, a, "1", nil))
	require.NoError(t, svc.AddOnline(ctx, b, "1", nil))
	pub.Reset()

	require.NoError(t, svc.RemoveOnline(ctx, b, "1", false))
	msgs := pub.All()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ActionLogout, msgs[0].Event.Action)
	assert.Equal(t, domain.UserID("7"), msgs[0].Event.UserID)
	assert.Equal(t, []domain.UserID{"2"}, msgs[0].Event.Online)
}

func TestPresence_TeardownIsSilent(t *testing.T) {
	svc, pub := newPresenceFixture(t)
	ctx := context.Background()

	peer := newFakePeer("7:b")
	require.NoError(t, svc.AddOnline(ctx, peer, "9", nil))
	pub.Reset()

	require.NoError(t, svc.RemoveOnline(ctx, peer, "9", true))
	assert.Empty(t, pub.All())

	online, err := svc.Online(ctx, "9")
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestPresence_PublishFailureSurfaces(t *testing.T) {
	svc, pub := newPresenceFixture(t)
	pub.err = errors.New("bus down")

	err := svc.AddOnline(context.Background(), newFakePeer("7:b"), "1", nil)
	assert.EqualError(t, err, "bus down")
}

func TestOnlineUsers(t *testing.T) {
	users, other := onlineUsers([]domain.ConnectionID{"3:x", "1:a", "3:y", "1:b"}, "1:a")
	assert.Equal(t, []domain.UserID{"1", "3"}, users)
	assert.True(t, other)

	_, other = onlineUsers([]domain.ConnectionID{"3:x", "1:a"}, "1:a")
	assert.False(t, other)
}
