package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/labrun/pkg/channels/gochannel"
	"github.com/dukex/labrun/pkg/channels/kafka"
	"github.com/dukex/labrun/pkg/config"
	"github.com/dukex/labrun/pkg/eventbus"
)

// NewEventBus creates the lifecycle event bus. Provider "none" returns a
// nil bus; events are then dropped.
func NewEventBus(cfg config.EventBusConfig, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "kafka":
		group := cfg.ConsumerGroup
		if group == "" {
			group = "labrun"
		}

		pub, sub, err := kafka.CreateChannel(wmLogger, kafka.Config{Brokers: cfg.Brokers, ConsumerGroup: group})
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", cfg.Provider)
	}
}
