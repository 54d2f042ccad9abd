package messaging

import (
	"context"
	"testing"
	"time"

	"whale-flow-analyzer/internal/domain/entity"
	"whale-flow-analyzer/internal/infrastructure/config"
	"whale-flow-analyzer/internal/infrastructure/logger"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsumer() *NATSVoteConsumer {
	client := NewNATSClient(&config.NATSConfig{SubjectPrefix: "whaleflow"}, logger.NewNop())
	consumer := NewNATSVoteConsumer(client, logger.NewNop())
	consumer.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return consumer
}

func TestNATSVoteConsumer_KeepsLatestVote(t *testing.T) {
	c := newTestConsumer()

	_, ok := c.LatestVote()
	assert.False(t, ok)

	c.handleMessage(&nats.Msg{Data: []byte(`{"vote":0.4,"source":"sentiment","timestamp":"2024-05-01T11:00:00Z"}`)})
	c.handleMessage(&nats.Msg{Data: []byte(`{"vote":-0.2,"source":"sentiment","timestamp":"2024-05-01T10:00:00Z"}`)})

	vote, ok := c.LatestVote()
	require.True(t, ok)
	assert.Equal(t, 0.4, vote.Vote)
	assert.Equal(t, "sentiment", vote.Source)
}

func TestNATSVoteConsumer_DropsInvalidVotes(t *testing.T) {
	c := newTestConsumer()

	c.handleMessage(&nats.Msg{Data: []byte(`not json`)})
	c.handleMessage(&nats.Msg{Data: []byte(`{"vote":1.5,"source":"broken"}`)})

	_, ok := c.LatestVote()
	assert.False(t, ok)
}

func TestNATSVoteConsumer_StampsMissingTimestamp(t *testing.T) {
	c := newTestConsumer()

	c.handleMessage(&nats.Msg{Data: []byte(`{"vote":-0.5,"source":"model"}`)})

	vote, ok := c.LatestVote()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), vote.Timestamp)
}

func TestNATSVoteConsumer_SubscribeWithoutConnection(t *testing.T) {
	c := newTestConsumer()
	assert.NoError(t, c.Subscribe())
	assert.NoError(t, c.Unsubscribe())
}

func TestStaticVoteSource(t *testing.T) {
	vote, ok := NewStaticVoteSource(0.25).LatestVote()
	require.True(t, ok)
	assert.Equal(t, 0.25, vote.Vote)
	assert.True(t, vote.Timestamp.IsZero())
}

func TestNATSSignalPublisher_DisconnectedIsNoop(t *testing.T) {
	client := NewNATSClient(&config.NATSConfig{SubjectPrefix: "whaleflow"}, logger.NewNop())
	p := NewNATSSignalPublisher(client, logger.NewNop())

	assert.NoError(t, p.PublishNetFlow(context.Background(), &entity.NetFlowMetric{}))
	assert.NoError(t, p.PublishDecision(context.Background(), &entity.FusionDecision{Action: entity.ActionHold}))
	assert.Equal(t, "whaleflow.decision", client.Subject("decision"))
}
