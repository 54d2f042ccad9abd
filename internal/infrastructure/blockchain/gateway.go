package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"whale-flow-analyzer/internal/domain/entity"
	"whale-flow-analyzer/internal/infrastructure/config"
	"whale-flow-analyzer/internal/infrastructure/logger"
	"whale-flow-analyzer/internal/infrastructure/metrics"

	"go.uber.org/zap"
)

// GatewayOptions configures the worker pool and retry behaviour
type GatewayOptions struct {
	Workers      int
	Retry        RetryPolicy
	MempoolLimit int
}

// GatewayOptionsFromConfig builds options from the ingestion section
func GatewayOptionsFromConfig(cfg *config.IngestionConfig) GatewayOptions {
	return GatewayOptions{
		Workers: cfg.Workers,
		Retry: RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			BaseDelay:      cfg.BaseBackoff,
			MaxDelay:       cfg.MaxBackoff,
			JitterFraction: cfg.JitterFraction,
		},
		MempoolLimit: cfg.MempoolLimit,
	}
}

// Gateway fetches every transaction of a block through an ordered list of source tiers
// using a fixed pool of workers. Retries and tier fallback run inside the worker that owns
// the transaction.
type Gateway struct {
	sources []TransactionSource
	opts    GatewayOptions
	logger  *logger.Logger
	metrics *metrics.Collectors
	now     func() time.Time
}

// NewGateway creates a gateway over the given tiers, primary first
func NewGateway(sources []TransactionSource, opts GatewayOptions, log *logger.Logger, m *metrics.Collectors) *Gateway {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	return &Gateway{
		sources: sources,
		opts:    opts,
		logger:  log.WithComponent("gateway"),
		metrics: m,
		now:     time.Now,
	}
}

// NewGatewayFromConfig wires the enabled tiers: primary Esplora, secondary Esplora, bitcoind
func NewGatewayFromConfig(cfg *config.Config, log *logger.Logger, m *metrics.Collectors) *Gateway {
	var sources []TransactionSource
	ing := cfg.Ingestion
	if ing.Primary.Enabled && ing.Primary.URL != "" {
		sources = append(sources, NewEsploraClient(ing.Primary, ing.RequestTimeout, log))
	}
	if ing.Secondary.Enabled && ing.Secondary.URL != "" {
		sources = append(sources, NewEsploraClient(ing.Secondary, ing.RequestTimeout, log))
	}
	if ing.RPC.Enabled && ing.RPC.URL != "" {
		sources = append(sources, NewBitcoindClient(ing.RPC, ing.RequestTimeout, log))
	}
	return NewGateway(sources, GatewayOptionsFromConfig(&ing), log, m)
}

// Sources returns the tier names in fallback order
func (g *Gateway) Sources() []string {
	names := make([]string, 0, len(g.sources))
	for _, s := range g.sources {
		names = append(names, s.Name())
	}
	return names
}

// fetchOutcome is what a worker reports for one txid
type fetchOutcome struct {
	tx   *entity.RawTransaction
	tier string
	err  error
}

// FetchTransactions resolves the block and fetches all of its transactions. The deadline of
// ctx bounds the whole fetch: on expiry the transactions resolved so far are returned with
// DeadlineExceeded set and the rest listed as unresolved. The error is non-nil only when the
// block itself cannot be resolved or ctx is cancelled.
func (g *Gateway) FetchTransactions(ctx context.Context, blockID string) (*entity.FetchResult, error) {
	if len(g.sources) == 0 {
		return nil, fmt.Errorf("%w: no source tier enabled", entity.ErrPermanentFetch)
	}

	ref, err := g.resolveBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}

	txids := ref.TxIDs
	if ref.Mempool && g.opts.MempoolLimit > 0 && len(txids) > g.opts.MempoolLimit {
		g.logger.Info("Capping mempool snapshot",
			zap.Int("txs", len(txids)),
			zap.Int("limit", g.opts.MempoolLimit))
		txids = txids[:g.opts.MempoolLimit]
	}

	g.logger.Info("Fetching block transactions",
		zap.String("block", blockID),
		zap.String("hash", ref.Hash),
		zap.Int("txs", len(txids)),
		zap.Int("workers", g.opts.Workers))

	outcomes := make([]fetchOutcome, len(txids))
	jobChan := make(chan int, g.opts.Workers)
	var wg sync.WaitGroup

	// Start worker pool
	for i := 0; i < g.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobChan {
				if ctx.Err() != nil {
					continue
				}
				tx, tier, err := g.fetchOne(ctx, txids[idx])
				outcomes[idx] = fetchOutcome{tx: tx, tier: tier, err: err}
			}
		}()
	}

	// Dispatch until every txid is queued or the deadline hits
dispatch:
	for idx := range txids {
		select {
		case <-ctx.Done():
			break dispatch
		case jobChan <- idx:
		}
	}
	close(jobChan)
	wg.Wait()

	result := &entity.FetchResult{
		BlockID:        blockID,
		BlockHash:      ref.Hash,
		Total:          len(txids),
		ResolvedByTier: make(map[string]int),
	}
	for idx, out := range outcomes {
		txid := txids[idx]
		switch {
		case out.err == nil && out.tx != nil:
			g.normalize(out.tx, ref)
			result.Transactions = append(result.Transactions, out.tx)
			result.Resolved++
			result.ResolvedByTier[out.tier]++
		case errors.Is(out.err, entity.ErrMalformedTransaction):
			result.Malformed = append(result.Malformed, txid)
		default:
			result.Unresolved = append(result.Unresolved, txid)
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.DeadlineExceeded = errors.Is(ctxErr, context.DeadlineExceeded)
		g.logger.Warn("Block fetch interrupted, returning partial result",
			zap.String("block", blockID),
			zap.Int("resolved", result.Resolved),
			zap.Int("total", result.Total),
			zap.Error(ctxErr))
	}

	g.metrics.ObserveFetchResult(result)
	g.logger.Info("Fetched block transactions",
		zap.String("block", blockID),
		zap.Int("resolved", result.Resolved),
		zap.Int("unresolved", len(result.Unresolved)),
		zap.Int("malformed", len(result.Malformed)),
		zap.Float64("coverage", result.Coverage()))

	if ctxErr := ctx.Err(); ctxErr != nil && !result.DeadlineExceeded {
		return result, ctxErr
	}
	return result, nil
}

// TipHeight asks each tier in order for the chain tip
func (g *Gateway) TipHeight(ctx context.Context) (int64, error) {
	var errs []error
	for _, src := range g.sources {
		var height int64
		err := Retry(ctx, g.policyFor(src.Name()), func(ctx context.Context) error {
			var err error
			height, err = src.TipHeight(ctx)
			return err
		})
		if err == nil {
			return height, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		errs = append(errs, err)
	}
	return 0, fmt.Errorf("%w: tip height: %v", entity.ErrPermanentFetch, errors.Join(errs...))
}

func (g *Gateway) resolveBlock(ctx context.Context, blockID string) (*BlockRef, error) {
	var errs []error
	for _, src := range g.sources {
		var ref *BlockRef
		err := Retry(ctx, g.policyFor(src.Name()), func(ctx context.Context) error {
			var err error
			ref, err = src.ResolveBlock(ctx, blockID)
			return err
		})
		if err == nil {
			return ref, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("resolve block %s: %w", blockID, ctx.Err())
		}
		g.logger.Warn("Failed to resolve block, falling back",
			zap.String("tier", src.Name()),
			zap.String("block", blockID),
			zap.Error(err))
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: block %s: %v", entity.ErrPermanentFetch, blockID, errors.Join(errs...))
}

// fetchOne walks the tiers for one txid. Malformed payloads are terminal; anything else
// falls through to the next tier.
func (g *Gateway) fetchOne(ctx context.Context, txid string) (*entity.RawTransaction, string, error) {
	var errs []error
	for _, src := range g.sources {
		var tx *entity.RawTransaction
		err := Retry(ctx, g.policyFor(src.Name()), func(ctx context.Context) error {
			var err error
			tx, err = src.Transaction(ctx, txid)
			return err
		})
		if err == nil {
			err = tx.Validate()
		}
		if err == nil {
			g.metrics.ObserveFetch(src.Name(), "success")
			return tx, src.Name(), nil
		}

		switch {
		case errors.Is(err, entity.ErrMalformedTransaction):
			g.metrics.ObserveFetch(src.Name(), "malformed")
			g.logger.Debug("Skipping malformed transaction", zap.String("txid", txid), zap.Error(err))
			return nil, src.Name(), err
		case errors.Is(err, entity.ErrTransientFetch):
			g.metrics.ObserveFetch(src.Name(), "transient")
		default:
			g.metrics.ObserveFetch(src.Name(), "permanent")
		}
		if ctx.Err() != nil {
			return nil, src.Name(), ctx.Err()
		}
		errs = append(errs, err)
	}

	g.logger.Debug("Transaction unresolved on every tier", zap.String("txid", txid))
	return nil, "", fmt.Errorf("%w: tx %s: %v", entity.ErrPermanentFetch, txid, errors.Join(errs...))
}

func (g *Gateway) policyFor(tier string) RetryPolicy {
	p := g.opts.Retry
	p.OnRetry = func(attempt int, wait time.Duration, err error) {
		g.metrics.ObserveRetry(tier)
		g.logger.Debug("Retrying request",
			zap.String("tier", tier),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return p
}

// normalize fills the block context the tier did not report
func (g *Gateway) normalize(tx *entity.RawTransaction, ref *BlockRef) {
	if ref.Mempool {
		if tx.ObservedAt.IsZero() {
			tx.ObservedAt = g.now().UTC()
		}
		return
	}
	if !tx.Status.Confirmed || tx.Status.BlockHash == "" || tx.Status.BlockHash == ref.Hash {
		tx.Status.Confirmed = true
		tx.Status.BlockHash = ref.Hash
		if tx.Status.BlockHeight == 0 {
			tx.Status.BlockHeight = ref.Height
		}
	}
	if tx.ObservedAt.IsZero() {
		tx.ObservedAt = ref.Time
	}
}
