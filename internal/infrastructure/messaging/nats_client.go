package messaging

import (
	"context"
	"fmt"

	"whale-flow-analyzer/internal/infrastructure/config"
	"whale-flow-analyzer/internal/infrastructure/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSClient owns the NATS connection shared by the vote consumer and the signal publisher
type NATSClient struct {
	conn   *nats.Conn
	config *config.NATSConfig
	logger *logger.Logger
}

// NewNATSClient creates a new NATS client
func NewNATSClient(cfg *config.NATSConfig, logger *logger.Logger) *NATSClient {
	return &NATSClient{
		config: cfg,
		logger: logger.WithComponent("nats-client"),
	}
}

// Enabled reports whether NATS is configured
func (n *NATSClient) Enabled() bool {
	return n.config.Enabled
}

// Subject returns the subject for a message kind under the configured prefix
func (n *NATSClient) Subject(kind string) string {
	return fmt.Sprintf("%s.%s", n.config.SubjectPrefix, kind)
}

// Connect connects to NATS server
func (n *NATSClient) Connect(ctx context.Context) error {
	if !n.config.Enabled {
		n.logger.Info("NATS is disabled, skipping connection")
		return nil
	}

	n.logger.Info("Connecting to NATS server", zap.String("url", n.config.URL))

	opts := []nats.Option{
		nats.Name("whale-flow-analyzer"),
		nats.Timeout(n.config.ConnectTimeout),
		nats.ReconnectWait(n.config.ReconnectDelay),
		nats.MaxReconnects(n.config.ReconnectAttempts),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			n.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			n.logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		n.logger.Error("Failed to connect to NATS", zap.Error(err))
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	n.conn = conn
	n.logger.Info("Successfully connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return nil
}

// Conn returns the underlying connection, nil when disabled or not connected
func (n *NATSClient) Conn() *nats.Conn {
	return n.conn
}

// Disconnect drains and closes the connection
func (n *NATSClient) Disconnect() error {
	if n.conn == nil {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.logger.Warn("Failed to drain NATS connection", zap.Error(err))
		n.conn.Close()
	}
	n.conn = nil
	n.logger.Info("Disconnected from NATS")
	return nil
}

// IsConnected checks if connected to NATS
func (n *NATSClient) IsConnected() bool {
	return n.conn != nil && n.conn.IsConnected()
}
