package services

import (
	"context"
	"net/http"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
	apperrors "chanrelay/pkg/errors"

	"go.uber.org/zap"
)

type eventPublisher struct {
	bus     ports.Bus
	metrics ports.Metrics
	logger  *zap.SugaredLogger
}

func NewEventPublisher(bus ports.Bus, metrics ports.Metrics, logger *zap.SugaredLogger) ports.Publisher {
	return &eventPublisher{
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

func (p *eventPublisher) Publish(ctx context.Context, channel domain.ChannelID, evt *domain.Event, parsable bool) error {
	if evt.Time == 0 {
		evt.Stamp()
	}
	payload, err := domain.EncodeEvent(evt, parsable)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "event cannot be encoded", http.StatusInternalServerError)
	}
	if err := p.bus.Publish(ctx, channel, payload); err != nil {
		return err
	}

	p.metrics.EventPublished(evt.Action, parsable)
	p.logger.Debugw("published event",
		"channel", channel,
		"action", evt.Action,
		"parsable", parsable,
		"size", len(payload),
	)
	return nil
}
