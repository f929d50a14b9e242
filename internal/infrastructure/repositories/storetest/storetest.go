// Package storetest holds behaviour tests shared by every presence and signaling
// store implementation.
package storetest

import (
	"context"
	"sync"
	"testing"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func PresenceStore(t *testing.T, newStore func(t *testing.T) ports.PresenceStore) {
	t.Run("add is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Add(ctx, "1", "7:a"))
		require.NoError(t, s.Add(ctx, "1", "7:a"))
		require.NoError(t, s.Add(ctx, "1", "8:b"))

		members, err := s.Members(ctx, "1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []domain.ConnectionID{"7:a", "8:b"}, members)
	})

	t.Run("remove", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Add(ctx, "1", "7:a"))
		require.NoError(t, s.Remove(ctx, "1", "7:a"))
		require.NoError(t, s.Remove(ctx, "1", "7:a"))
		require.NoError(t, s.Remove(ctx, "absent", "7:a"))

		members, err := s.Members(ctx, "1")
		require.NoError(t, err)
		assert.Empty(t, members)
	})

	t.Run("channels are independent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Add(ctx, "1", "7:a"))
		require.NoError(t, s.Add(ctx, "2", "8:b"))

		members, err := s.Members(ctx, "2")
		require.NoError(t, err)
		assert.Equal(t, []domain.ConnectionID{"8:b"}, members)
	})

	t.Run("concurrent adds", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conn := domain.NewConnectionID("7", string(rune('a'+i)))
				assert.NoError(t, s.Add(ctx, "1", conn))
			}(i)
		}
		wg.Wait()

		members, err := s.Members(ctx, "1")
		require.NoError(t, err)
		assert.Len(t, members, 20)
	})
}

func SignalingStore(t *testing.T, newStore func(t *testing.T) ports.SignalingStore) {
	t.Run("absent participant", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		status, err := s.Status(ctx, "abcd1234", "7:a")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAbsent, status)

		all, err := s.Statuses(ctx, "abcd1234")
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("set and read", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.SetStatus(ctx, "abcd1234", "7:a", domain.StatusReady))
		require.NoError(t, s.SetStatus(ctx, "abcd1234", "8:b", domain.StatusOffered))
		require.NoError(t, s.SetStatus(ctx, "abcd1234", "8:b", domain.StatusResponded))

		status, err := s.Status(ctx, "abcd1234", "8:b")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusResponded, status)

		all, err := s.Statuses(ctx, "abcd1234")
		require.NoError(t, err)
		assert.Equal(t, map[domain.ConnectionID]domain.SignalStatus{
			"7:a": domain.StatusReady,
			"8:b": domain.StatusResponded,
		}, all)
	})

	t.Run("absent status is not storable", func(t *testing.T) {
		s := newStore(t)
		assert.Error(t, s.SetStatus(context.Background(), "abcd1234", "7:a", domain.StatusAbsent))
	})

	t.Run("initiator back-reference", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		conn, err := s.Initiator(ctx, "abcd1234")
		require.NoError(t, err)
		assert.Empty(t, conn)

		require.NoError(t, s.SetInitiator(ctx, "abcd1234", "7:a"))
		conn, err = s.Initiator(ctx, "abcd1234")
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionID("7:a"), conn)

		// the reserved key never shows up as a participant
		all, err := s.Statuses(ctx, "abcd1234")
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}
