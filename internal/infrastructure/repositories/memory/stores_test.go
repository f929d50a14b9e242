package memory

import (
	"testing"

	"chanrelay/internal/core/ports"
	"chanrelay/internal/infrastructure/repositories/storetest"
)

func TestPresenceStore(t *testing.T) {
	storetest.PresenceStore(t, func(t *testing.T) ports.PresenceStore {
		return NewPresenceStore()
	})
}

func TestSignalingStore(t *testing.T) {
	storetest.SignalingStore(t, func(t *testing.T) ports.SignalingStore {
		return NewSignalingStore()
	})
}
