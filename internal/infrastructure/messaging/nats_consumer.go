package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"whale-flow-analyzer/internal/domain/entity"
	"whale-flow-analyzer/internal/infrastructure/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSVoteConsumer keeps the latest external price-confidence vote published on
// <prefix>.confidence. Every analyzer instance must see every vote, so this is a plain
// subscription rather than a queue group.
type NATSVoteConsumer struct {
	client *NATSClient
	sub    *nats.Subscription
	logger *logger.Logger

	mu     sync.RWMutex
	latest entity.ConfidenceVote
	has    bool
	now    func() time.Time
}

// NewNATSVoteConsumer creates a new vote consumer
func NewNATSVoteConsumer(client *NATSClient, logger *logger.Logger) *NATSVoteConsumer {
	return &NATSVoteConsumer{
		client: client,
		logger: logger.WithComponent("nats-vote-consumer"),
		now:    time.Now,
	}
}

// Subscribe starts consuming votes; a no-op when NATS is disabled
func (c *NATSVoteConsumer) Subscribe() error {
	conn := c.client.Conn()
	if conn == nil {
		c.logger.Info("NATS not connected, external votes come from configuration")
		return nil
	}

	subject := c.client.Subject("confidence")
	sub, err := conn.Subscribe(subject, c.handleMessage)
	if err != nil {
		c.logger.Error("Failed to subscribe to subject", zap.Error(err))
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.sub = sub
	c.logger.Info("Subscribed to external confidence votes", zap.String("subject", subject))
	return nil
}

// handleMessage handles incoming NATS messages
func (c *NATSVoteConsumer) handleMessage(msg *nats.Msg) {
	var vote entity.ConfidenceVote
	if err := json.Unmarshal(msg.Data, &vote); err != nil {
		c.logger.Error("Failed to unmarshal confidence vote", zap.Error(err))
		if msg.Reply != "" {
			msg.Respond([]byte("ERROR: Failed to unmarshal"))
		}
		return
	}
	if vote.Vote < -1 || vote.Vote > 1 {
		c.logger.Warn("Dropping out of range confidence vote",
			zap.Float64("vote", vote.Vote),
			zap.String("source", vote.Source))
		return
	}
	if vote.Timestamp.IsZero() {
		vote.Timestamp = c.now().UTC()
	}

	c.mu.Lock()
	if !c.has || !vote.Timestamp.Before(c.latest.Timestamp) {
		c.latest = vote
		c.has = true
	}
	c.mu.Unlock()

	c.logger.Debug("Received confidence vote",
		zap.Float64("vote", vote.Vote),
		zap.String("source", vote.Source),
		zap.Time("timestamp", vote.Timestamp))

	if msg.Reply != "" {
		msg.Respond([]byte("OK"))
	}
}

// LatestVote returns the most recent vote
func (c *NATSVoteConsumer) LatestVote() (entity.ConfidenceVote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.has
}

// Unsubscribe stops consuming votes
func (c *NATSVoteConsumer) Unsubscribe() error {
	if c.sub == nil {
		return nil
	}
	err := c.sub.Unsubscribe()
	c.sub = nil
	return err
}

// StaticVoteSource serves a fixed vote, used when no vote stream is configured
type StaticVoteSource struct {
	vote entity.ConfidenceVote
}

// NewStaticVoteSource creates a vote source that always returns vote
func NewStaticVoteSource(vote float64) *StaticVoteSource {
	return &StaticVoteSource{vote: entity.ConfidenceVote{Vote: vote, Source: "static"}}
}

// LatestVote returns the configured vote
func (s *StaticVoteSource) LatestVote() (entity.ConfidenceVote, bool) {
	return s.vote, true
}
