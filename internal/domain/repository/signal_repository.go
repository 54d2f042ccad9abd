package repository

import (
	"context"

	"whale-flow-analyzer/internal/domain/entity"
)

// SignalPublisher exposes closed metrics and decisions to the alerting and dashboard consumers
type SignalPublisher interface {
	// PublishNetFlow publishes a closed window
	PublishNetFlow(ctx context.Context, metric *entity.NetFlowMetric) error

	// PublishDecision publishes a fusion decision
	PublishDecision(ctx context.Context, decision *entity.FusionDecision) error
}

// VoteSource supplies the latest external price-confidence vote
type VoteSource interface {
	// LatestVote returns the most recent vote, false when none has been received
	LatestVote() (entity.ConfidenceVote, bool)
}
