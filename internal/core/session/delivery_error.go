package session

import (
	"context"
	"fmt"
	"time"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
	"chanrelay/pkg/utils"
)

const (
	snapshotTimeout  = 500 * time.Millisecond
	maxLoggedPayload = 512
)

// DeliveryError describes a bus delivery this session could not process, with enough
// context to reproduce it.
type DeliveryError struct {
	ConnectionID domain.ConnectionID
	UserID       domain.UserID
	Channel      domain.ChannelID
	Channels     []domain.ChannelID
	Online       []domain.UserID
	Payload      string
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery on %s to %s failed: %v", e.Channel, e.ConnectionID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func (s *Session) deliveryFailed(ctx context.Context, msg ports.BusMessage, err error) {
	derr := &DeliveryError{
		ConnectionID: s.id,
		UserID:       s.userID,
		Channel:      msg.Channel,
		Channels:     s.Channels(),
		Payload:      utils.TruncateString(string(msg.Payload), maxLoggedPayload),
		Err:          err,
	}

	if s.cfg.DefaultRoom != "" {
		snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
		online, snapErr := s.deps.Presence.Online(snapCtx, s.cfg.DefaultRoom)
		cancel()
		if snapErr == nil {
			derr.Online = online
		}
	}

	s.deps.Metrics.DeliveryFailed()
	s.logger.Errorw("bus delivery failed",
		"error", derr,
		"channel", derr.Channel,
		"channels", derr.Channels,
		"online", derr.Online,
		"payload", derr.Payload,
	)
}
