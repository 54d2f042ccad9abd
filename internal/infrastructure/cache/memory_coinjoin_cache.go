package cache

import (
	"context"
	"sync"

	"whale-flow-analyzer/internal/domain/entity"
)

// MemoryCoinJoinCache is the process-local cache used when Redis is disabled
type MemoryCoinJoinCache struct {
	mu      sync.RWMutex
	records map[string]entity.CoinJoinRecord
	limit   int
}

// NewMemoryCoinJoinCache creates a cache holding at most limit records (0 = unbounded).
// When full it is reset wholesale, which is fine for a cache of pure results.
func NewMemoryCoinJoinCache(limit int) *MemoryCoinJoinCache {
	return &MemoryCoinJoinCache{
		records: make(map[string]entity.CoinJoinRecord),
		limit:   limit,
	}
}

// Get returns the record, or nil on a miss
func (c *MemoryCoinJoinCache) Get(_ context.Context, txID string) (*entity.CoinJoinRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	record, ok := c.records[txID]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// Put stores a record
func (c *MemoryCoinJoinCache) Put(_ context.Context, record entity.CoinJoinRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit > 0 && len(c.records) >= c.limit {
		if _, ok := c.records[record.TxID]; !ok {
			c.records = make(map[string]entity.CoinJoinRecord)
		}
	}
	c.records[record.TxID] = record
	return nil
}

// Len returns the number of cached records
func (c *MemoryCoinJoinCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
