// Package kafka creates watermill Kafka publishers and subscribers for the
// lifecycle event bus.
package kafka

import (
	"errors"
	"slices"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
)

// ErrNoBrokers is returned when no broker address is configured.
var ErrNoBrokers = errors.New("kafka brokers are not configured")

// Config selects the cluster and consumer group.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	ClientID      string
}

func (c Config) brokers() []string {
	return slices.DeleteFunc(slices.Clone(c.Brokers), func(b string) bool { return b == "" })
}

func (c Config) clientID() string {
	if c.ClientID == "" {
		return "labrun"
	}

	return c.ClientID
}

// subscriberConfig starts new consumer groups at the oldest offset.
func subscriberConfig(cfg Config) *sarama.Config {
	sc := kafka.DefaultSaramaSubscriberConfig()
	sc.ClientID = cfg.clientID()
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest

	return sc
}

// publisherConfig is an idempotent producer acknowledged by every in-sync
// replica.
func publisherConfig(cfg Config) *sarama.Config {
	pc := kafka.DefaultSaramaSyncPublisherConfig()
	pc.ClientID = cfg.clientID()
	pc.Version = sarama.V2_1_0_0
	pc.Producer.RequiredAcks = sarama.WaitForAll
	pc.Producer.Idempotent = true
	pc.Net.MaxOpenRequests = 1

	return pc
}

// CreateChannel connects a publisher and a subscriber to cfg's brokers.
func CreateChannel(logger watermill.LoggerAdapter, cfg Config) (*kafka.Publisher, *kafka.Subscriber, error) {
	brokers := cfg.brokers()
	if len(brokers) == 0 {
		return nil, nil, ErrNoBrokers
	}

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: subscriberConfig(cfg),
			ConsumerGroup:         cfg.ConsumerGroup,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		return nil, nil, err
	}

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: publisherConfig(cfg),
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		_ = subscriber.Close()

		return nil, nil, err
	}

	return publisher, subscriber, nil
}
