package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"whale-flow-analyzer/internal/domain/entity"
	"whale-flow-analyzer/internal/infrastructure/config"
	"whale-flow-analyzer/internal/infrastructure/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCoinJoinCache implements repository.CoinJoinCache on Redis
type RedisCoinJoinCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *logger.Logger
}

// NewRedisClient creates a redis client from configuration
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisCoinJoinCache creates a new CoinJoin cache on the given client
func NewRedisCoinJoinCache(client *redis.Client, keyPrefix string, ttl time.Duration, log *logger.Logger) *RedisCoinJoinCache {
	return &RedisCoinJoinCache{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    log.WithComponent("coinjoin-cache"),
	}
}

// Ping checks connectivity
func (c *RedisCoinJoinCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	c.logger.Info("Connected to Redis", zap.String("addr", c.client.Options().Addr))
	return nil
}

// Get retrieves a cached verdict; a miss returns nil without error
func (c *RedisCoinJoinCache) Get(ctx context.Context, txID string) (*entity.CoinJoinRecord, error) {
	data, err := c.client.Get(ctx, c.getKey(txID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coinjoin record from redis: txid=%s: %w", txID, err)
	}

	var record entity.CoinJoinRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal coinjoin record: txid=%s: %w", txID, err)
	}
	return &record, nil
}

// Put stores a verdict with the configured TTL
func (c *RedisCoinJoinCache) Put(ctx context.Context, record entity.CoinJoinRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal coinjoin record: txid=%s: %w", record.TxID, err)
	}
	if err := c.client.Set(ctx, c.getKey(record.TxID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save coinjoin record to redis: txid=%s: %w", record.TxID, err)
	}
	return nil
}

// Close closes the client
func (c *RedisCoinJoinCache) Close() error {
	return c.client.Close()
}

func (c *RedisCoinJoinCache) getKey(txID string) string {
	return c.keyPrefix + txID
}
