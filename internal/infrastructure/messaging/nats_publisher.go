package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"whale-flow-analyzer/internal/domain/entity"
	"whale-flow-analyzer/internal/infrastructure/logger"

	"go.uber.org/zap"
)

// NATSSignalPublisher publishes closed windows on <prefix>.netflow and fusion decisions on
// <prefix>.decision for the alerting and dashboard consumers
type NATSSignalPublisher struct {
	client *NATSClient
	logger *logger.Logger
}

// NewNATSSignalPublisher creates a new publisher
func NewNATSSignalPublisher(client *NATSClient, logger *logger.Logger) *NATSSignalPublisher {
	return &NATSSignalPublisher{
		client: client,
		logger: logger.WithComponent("nats-publisher"),
	}
}

// PublishNetFlow publishes a closed window
func (p *NATSSignalPublisher) PublishNetFlow(ctx context.Context, metric *entity.NetFlowMetric) error {
	return p.publish(ctx, "netflow", metric)
}

// PublishDecision publishes a fusion decision
func (p *NATSSignalPublisher) PublishDecision(ctx context.Context, decision *entity.FusionDecision) error {
	return p.publish(ctx, "decision", decision)
}

func (p *NATSSignalPublisher) publish(ctx context.Context, kind string, payload interface{}) error {
	conn := p.client.Conn()
	if conn == nil {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}

	subject := p.client.Subject(kind)
	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", kind, err)
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		p.logger.Warn("Failed to flush NATS connection", zap.String("subject", subject), zap.Error(err))
	}

	p.logger.Debug("Published signal", zap.String("subject", subject), zap.Int("bytes", len(data)))
	return nil
}
