package repository

import (
	"context"

	"whale-flow-analyzer/internal/domain/entity"
)

// CoinJoinCache stores CoinJoin verdicts keyed by txid. Verdicts are pure functions of the
// transaction, so cached records never go stale.
type CoinJoinCache interface {
	// Get returns the cached record, or nil without error on a miss
	Get(ctx context.Context, txID string) (*entity.CoinJoinRecord, error)

	// Put stores a record
	Put(ctx context.Context, record entity.CoinJoinRecord) error
}
