// Package eventbus publishes lifecycle events over watermill.
package eventbus

import (
	"context"
	"log/slog"

	"github.com/dukex/labrun/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

// PublishBestEffort publishes event when pub is configured and logs instead
// of returning failures.
func PublishBestEffort(ctx context.Context, logger *slog.Logger, pub EventPublisher, key string, event Event) {
	if pub == nil {
		return
	}

	if err := pub.Publish(ctx, key, event); err != nil {
		logger.WarnContext(ctx, "failed to publish event", "event_type", event.GetType(), "key", key, "error", err)
	}
}
