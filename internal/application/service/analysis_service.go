package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"whale-flow-analyzer/internal/domain/entity"
	"whale-flow-analyzer/internal/domain/repository"
	"whale-flow-analyzer/internal/domain/service"
	"whale-flow-analyzer/internal/infrastructure/logger"
	"whale-flow-analyzer/internal/infrastructure/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AnalysisOptions tunes the pipeline around the domain services
type AnalysisOptions struct {
	BlockDeadline  time.Duration
	DetectWorkers  int
	WhaleThreshold entity.Satoshi
	WhaleTop       int
	MaxVoteAge     time.Duration
}

// AnalysisDeps groups the collaborators of the analysis service
type AnalysisDeps struct {
	Fetcher     service.TransactionFetcher
	Exchanges   service.ExchangeDirectory
	Resolver    *service.EntityResolver
	CoinJoin    *service.CoinJoinClassifier
	Change      *service.ChangeDetector
	Flow        *service.FlowClassifier
	Windows     *service.WindowSet
	Fusion      *service.FusionEngine
	ClusterRepo repository.ClusterRepository
	Cache       repository.CoinJoinCache
	Publisher   repository.SignalPublisher
	Votes       repository.VoteSource
	Metrics     *metrics.Collectors
}

// AnalysisApplicationService implements AnalysisService interface. Block processing and
// window ticks are serialized on one mutex, so a window never closes mid-ingest.
type AnalysisApplicationService struct {
	deps   AnalysisDeps
	opts   AnalysisOptions
	logger *logger.Logger

	mu        sync.Mutex
	watermark time.Time // newest observation time ingested
}

// NewAnalysisApplicationService creates a new analysis application service
func NewAnalysisApplicationService(deps AnalysisDeps, opts AnalysisOptions, logger *logger.Logger) service.AnalysisService {
	if opts.DetectWorkers <= 0 {
		opts.DetectWorkers = 8
	}
	return &AnalysisApplicationService{
		deps:   deps,
		opts:   opts,
		logger: logger.WithComponent("analysis-service"),
	}
}

// ProcessBlock fetches, clusters, classifies and aggregates one block
func (s *AnalysisApplicationService) ProcessBlock(ctx context.Context, blockID string) (*entity.BlockReport, error) {
	started := time.Now()
	report, err := s.processBlock(ctx, blockID)
	s.deps.Metrics.ObserveBlock(time.Since(started), err)
	return report, err
}

func (s *AnalysisApplicationService) processBlock(ctx context.Context, blockID string) (*entity.BlockReport, error) {
	s.logger.Info("Processing block", zap.String("block", blockID))

	fetchCtx := ctx
	if s.opts.BlockDeadline > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.opts.BlockDeadline)
		defer cancel()
	}

	fetched, err := s.deps.Fetcher.FetchTransactions(fetchCtx, blockID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %s: %w", blockID, err)
	}
	if fetched.DeadlineExceeded {
		s.logger.Warn("Block deadline exceeded, analyzing partial block",
			zap.String("block", blockID),
			zap.Float64("coverage", fetched.Coverage()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txs := fetched.Transactions

	// Clustering mutates the resolver and stays on this goroutine
	for _, tx := range txs {
		s.deps.Resolver.ProcessInputs(tx)
	}
	if err := s.deps.Resolver.Verify(); err != nil {
		s.logger.Error("Entity resolver invariant violated", zap.Error(err))
		return nil, err
	}

	coinJoins, changes, err := s.detect(ctx, txs)
	if err != nil {
		return nil, err
	}

	report := newBlockReport(fetched)
	classified := make([]*entity.ClassifiedTransaction, 0, len(txs))
	for i, tx := range txs {
		ct := s.deps.Flow.Classify(tx, s.deps.Resolver, s.deps.Exchanges, &coinJoins[i], &changes[i])
		classified = append(classified, ct)
		s.deps.Metrics.ObserveClassified(ct)
		report.add(ct)
	}

	for _, ct := range classified {
		late, err := s.deps.Windows.Ingest(ct)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate tx %s: %w", ct.TxID, err)
		}
		if len(late) > 0 {
			report.LateTransactions++
			for _, width := range late {
				s.deps.Metrics.ObserveLate(width)
			}
		}
		if ct.Tx.ObservedAt.After(s.watermark) {
			s.watermark = ct.Tx.ObservedAt
		}
	}
	if report.LateTransactions > 0 {
		s.logger.Warn("Transactions stamped before already closed windows, carried forward",
			zap.String("block", blockID),
			zap.Int64("late", report.LateTransactions))
	}

	s.persistClusters(ctx)

	report.Clusters = s.deps.Resolver.Stats()
	report.WhaleTransactions = s.whaleTransactions(classified)
	s.deps.Metrics.ObserveResolver(report.Clusters)

	s.logger.Info("Processed block",
		zap.String("block", blockID),
		zap.Int("transactions", len(txs)),
		zap.Float64("coverage", report.Coverage),
		zap.Int64("inflow_sats", int64(report.Inflow)),
		zap.Int64("outflow_sats", int64(report.Outflow)),
		zap.Int64("clusters", report.Clusters.Clusters))
	return report.BlockReport, nil
}

// detect runs the pure CoinJoin and change heuristics in parallel. The resolver is only
// read here, after every union of the block has been applied.
func (s *AnalysisApplicationService) detect(ctx context.Context, txs []*entity.RawTransaction) ([]entity.CoinJoinResult, []entity.ChangeDetectionResult, error) {
	coinJoins := make([]entity.CoinJoinResult, len(txs))
	changes := make([]entity.ChangeDetectionResult, len(txs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.DetectWorkers)
	for i, tx := range txs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			coinJoins[i] = s.classifyCoinJoin(gctx, tx)
			changes[i] = s.deps.Change.DetectChange(tx, s.deps.Resolver)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("detection interrupted: %w", err)
	}
	return coinJoins, changes, nil
}

// classifyCoinJoin consults the cache before scoring. Cache failures only cost a recompute.
func (s *AnalysisApplicationService) classifyCoinJoin(ctx context.Context, tx *entity.RawTransaction) entity.CoinJoinResult {
	if s.deps.Cache != nil {
		record, err := s.deps.Cache.Get(ctx, tx.TxID)
		switch {
		case err != nil:
			s.deps.Metrics.ObserveCacheLookup("error")
			s.logger.Debug("CoinJoin cache lookup failed", zap.String("txid", tx.TxID), zap.Error(err))
		case record != nil:
			s.deps.Metrics.ObserveCacheLookup("hit")
			return entity.CoinJoinResult{
				TxID:       record.TxID,
				Verdict:    record.Verdict,
				Confidence: record.Confidence,
				Variant:    record.Variant,
			}
		default:
			s.deps.Metrics.ObserveCacheLookup("miss")
		}
	}

	result := s.deps.CoinJoin.Classify(tx)
	if s.deps.Cache != nil {
		if err := s.deps.Cache.Put(ctx, result.Record()); err != nil {
			s.logger.Debug("Failed to cache CoinJoin verdict", zap.String("txid", tx.TxID), zap.Error(err))
		}
	}
	return result
}

// persistClusters flushes the resolver changes of the block. The flush happens even without
// a store so the next block verifies only its own changes. Persistence failures are logged;
// the in-memory resolver stays authoritative for the run.
func (s *AnalysisApplicationService) persistClusters(ctx context.Context) {
	changes := s.deps.Resolver.DirtyClusters()
	if s.deps.ClusterRepo == nil || changes.Empty() {
		return
	}
	if err := s.deps.ClusterRepo.UpsertClusters(ctx, changes.Records); err != nil {
		s.logger.Error("Failed to persist clusters", zap.Int("count", len(changes.Records)), zap.Error(err))
		return
	}
	if err := s.deps.ClusterRepo.UpsertMemberships(ctx, changes.Memberships); err != nil {
		s.logger.Error("Failed to persist cluster memberships", zap.Int("count", len(changes.Memberships)), zap.Error(err))
		return
	}
	if err := s.deps.ClusterRepo.RetireClusters(ctx, changes.Retired); err != nil {
		s.logger.Error("Failed to retire absorbed clusters", zap.Int("count", len(changes.Retired)), zap.Error(err))
	}
}

// Tick closes the windows that ended at or before now and fuses the latest primary metric
func (s *AnalysisApplicationService) Tick(ctx context.Context, now time.Time) ([]*entity.NetFlowMetric, *entity.FusionDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	closed := s.deps.Windows.CloseDue(now)
	s.publishMetrics(ctx, closed)

	latest := s.deps.Windows.Latest()
	if latest == nil {
		return closed, nil, nil
	}
	decision := s.deps.Fusion.Evaluate(latest, s.externalVote(now))
	decision.Timestamp = now.UTC()
	s.publishDecision(ctx, &decision)
	return closed, &decision, nil
}

// Finalize closes every open window and fuses the latest primary metric. The decision is
// stamped with the window end so that replays of a block are identical.
func (s *AnalysisApplicationService) Finalize(ctx context.Context) ([]*entity.NetFlowMetric, *entity.FusionDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	closed := s.deps.Windows.Flush()
	s.publishMetrics(ctx, closed)

	latest := s.deps.Windows.Latest()
	at := time.Time{}
	if latest != nil {
		at = latest.End
	}
	decision := s.deps.Fusion.Evaluate(latest, s.externalVote(at))
	s.publishDecision(ctx, &decision)
	return closed, &decision, nil
}

// RunBlock is ProcessBlock followed by Finalize
func (s *AnalysisApplicationService) RunBlock(ctx context.Context, blockID string) (*entity.BlockReport, error) {
	report, err := s.ProcessBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}
	closed, decision, err := s.Finalize(ctx)
	if err != nil {
		return nil, err
	}
	report.Metrics = closed
	report.Decision = decision
	return report, nil
}

// Follow polls the chain tip and analyzes every new block. Windows are closed against the
// newest observation time rather than the wall clock, so blocks that arrive minutes after
// they were mined still land in open windows.
func (s *AnalysisApplicationService) Follow(ctx context.Context, pollInterval, tickInterval time.Duration) error {
	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	tickTicker := time.NewTicker(tickInterval)
	defer tickTicker.Stop()

	var last int64 = -1
	// poll returns an error only when analysis cannot continue
	poll := func() error {
		tip, err := s.deps.Fetcher.TipHeight(ctx)
		if err != nil {
			s.logger.Warn("Failed to read chain tip", zap.Error(err))
			return nil
		}
		from := last + 1
		if last < 0 {
			from = tip
		}
		for h := from; h <= tip && ctx.Err() == nil; h++ {
			if _, err := s.ProcessBlock(ctx, strconv.FormatInt(h, 10)); err != nil {
				if errors.Is(err, entity.ErrClusterInvariant) {
					return err
				}
				s.logger.Error("Failed to process block", zap.Int64("height", h), zap.Error(err))
				return nil
			}
			last = h
		}
		return nil
	}

	s.logger.Info("Following chain tip",
		zap.Duration("poll_interval", pollInterval),
		zap.Duration("tick_interval", tickInterval))
	if err := poll(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopped following chain tip")
			return ctx.Err()
		case <-pollTicker.C:
			if err := poll(); err != nil {
				return err
			}
		case <-tickTicker.C:
			closed, decision, err := s.Tick(ctx, s.currentWatermark())
			if err != nil {
				s.logger.Error("Tick failed", zap.Error(err))
				continue
			}
			if decision != nil && len(closed) > 0 {
				s.logger.Info("Fusion decision",
					zap.String("action", string(decision.Action)),
					zap.Float64("score", decision.Score),
					zap.Float64("whale_vote", decision.WhaleVote),
					zap.Float64("external_vote", decision.ExternalVote))
			}
		}
	}
}

func (s *AnalysisApplicationService) currentWatermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// externalVote returns the latest external vote, or 0 when none is known or it is stale
func (s *AnalysisApplicationService) externalVote(at time.Time) float64 {
	if s.deps.Votes == nil {
		return 0
	}
	vote, ok := s.deps.Votes.LatestVote()
	if !ok {
		return 0
	}
	if s.opts.MaxVoteAge > 0 && !vote.Timestamp.IsZero() && !at.IsZero() && at.Sub(vote.Timestamp) > s.opts.MaxVoteAge {
		s.logger.Debug("Ignoring stale external vote",
			zap.Time("vote_time", vote.Timestamp),
			zap.Time("at", at))
		return 0
	}
	return vote.Vote
}

func (s *AnalysisApplicationService) publishMetrics(ctx context.Context, closed []*entity.NetFlowMetric) {
	for _, m := range closed {
		s.deps.Metrics.ObserveMetric(m)
		if s.deps.Publisher == nil {
			continue
		}
		if err := s.deps.Publisher.PublishNetFlow(ctx, m); err != nil {
			s.logger.Error("Failed to publish net flow", zap.Duration("width", m.Window.Width), zap.Error(err))
		}
	}
}

func (s *AnalysisApplicationService) publishDecision(ctx context.Context, decision *entity.FusionDecision) {
	s.deps.Metrics.ObserveDecision(decision)
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.PublishDecision(ctx, decision); err != nil {
		s.logger.Error("Failed to publish decision", zap.Error(err))
	}
}

// whaleTransactions lists the transactions moving at least the whale threshold, largest
// first, capped at WhaleTop
func (s *AnalysisApplicationService) whaleTransactions(classified []*entity.ClassifiedTransaction) []entity.WhaleTransaction {
	if s.opts.WhaleThreshold <= 0 {
		return nil
	}
	var whales []entity.WhaleTransaction
	for _, ct := range classified {
		moved := ct.Tx.TotalOutput()
		if moved < s.opts.WhaleThreshold {
			continue
		}
		whales = append(whales, entity.WhaleTransaction{TxID: ct.TxID, Label: ct.Label, Amount: moved})
	}
	sort.Slice(whales, func(i, j int) bool {
		if whales[i].Amount != whales[j].Amount {
			return whales[i].Amount > whales[j].Amount
		}
		return whales[i].TxID < whales[j].TxID
	})
	if s.opts.WhaleTop > 0 && len(whales) > s.opts.WhaleTop {
		whales = whales[:s.opts.WhaleTop]
	}
	return whales
}

// blockReport accumulates the per-block counters of the report
type blockReport struct {
	*entity.BlockReport
}

func newBlockReport(fetched *entity.FetchResult) blockReport {
	labels := make(map[string]int64, len(entity.FlowLabels))
	for _, l := range entity.FlowLabels {
		labels[l.String()] = 0
	}
	return blockReport{&entity.BlockReport{
		RunID:       uuid.NewString(),
		BlockID:     fetched.BlockID,
		BlockHash:   fetched.BlockHash,
		GeneratedAt: time.Now().UTC(),
		Coverage:    fetched.Coverage(),
		Fetch:       fetched,
		LabelCounts: labels,
		CoinJoins:   make(map[string]int64),
	}}
}

func (r blockReport) add(ct *entity.ClassifiedTransaction) {
	r.LabelCounts[ct.Label.String()]++
	if ct.CoinJoin != nil && ct.CoinJoin.Verdict {
		r.CoinJoins[string(ct.CoinJoin.Variant)]++
	}
	if ct.Change.Found() {
		r.ChangeDetected++
	}
	switch ct.Label {
	case entity.FlowInflow:
		r.Inflow += ct.Amount
	case entity.FlowOutflow:
		r.Outflow += ct.Amount
	}
	r.Net = r.Outflow - r.Inflow
}
