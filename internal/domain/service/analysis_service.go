package service

import (
	"context"
	"time"

	"whale-flow-analyzer/internal/domain/entity"
)

// TransactionFetcher is the ingestion side consumed by the analysis pipeline
type TransactionFetcher interface {
	// FetchTransactions fetches every transaction of a block or mempool snapshot
	FetchTransactions(ctx context.Context, blockID string) (*entity.FetchResult, error)

	// TipHeight returns the best chain height
	TipHeight(ctx context.Context) (int64, error)
}

// AnalysisService defines the interface for whale-flow analysis
type AnalysisService interface {
	// ProcessBlock fetches, clusters, classifies and aggregates one block
	ProcessBlock(ctx context.Context, blockID string) (*entity.BlockReport, error)

	// Tick closes the windows that ended at or before now and fuses the latest metric
	Tick(ctx context.Context, now time.Time) ([]*entity.NetFlowMetric, *entity.FusionDecision, error)

	// Finalize closes every open window and fuses the latest metric
	Finalize(ctx context.Context) ([]*entity.NetFlowMetric, *entity.FusionDecision, error)

	// RunBlock is ProcessBlock followed by Finalize, for one-shot invocations
	RunBlock(ctx context.Context, blockID string) (*entity.BlockReport, error)

	// Follow analyzes new blocks as the chain tip advances until ctx ends
	Follow(ctx context.Context, pollInterval, tickInterval time.Duration) error
}
