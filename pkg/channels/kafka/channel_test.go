package kafka

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateChannel_NoBrokers(t *testing.T) {
	for _, brokers := range [][]string{nil, {}, {""}} {
		_, _, err := CreateChannel(watermill.NopLogger{}, Config{Brokers: brokers})
		require.ErrorIs(t, err, ErrNoBrokers)
	}
}

func TestSaramaConfigs(t *testing.T) {
	cfg := Config{Brokers: []string{"", "kafka:9092"}, ConsumerGroup: "labrun"}

	assert.Equal(t, []string{"kafka:9092"}, cfg.brokers())
	assert.Equal(t, []string{"", "kafka:9092"}, cfg.Brokers)

	sub := subscriberConfig(cfg)
	assert.Equal(t, sarama.OffsetOldest, sub.Consumer.Offsets.Initial)
	assert.Equal(t, "labrun", sub.ClientID)

	pub := publisherConfig(Config{ClientID: "labrun-api"})
	assert.Equal(t, sarama.WaitForAll, pub.Producer.RequiredAcks)
	assert.True(t, pub.Producer.Idempotent)
	assert.True(t, pub.Producer.Return.Successes)
	assert.Equal(t, "labrun-api", pub.ClientID)
	require.NoError(t, pub.Validate())
}
