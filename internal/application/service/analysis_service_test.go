package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"whale-flow-analyzer/internal/domain/entity"
	"whale-flow-analyzer/internal/domain/service"
	"whale-flow-analyzer/internal/infrastructure/cache"
	"whale-flow-analyzer/internal/infrastructure/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	exchangeHot  = "1ExchangeHotWalletAAAAAAAAAAAA"
	exchangeHot2 = "1ExchangeHotWalletBBBBBBBBBBBB"
	userP        = "1PrivateUserWalletPPPPPPPPPPPP"
	userQ        = "1PrivateUserWalletQQQQQQQQQQQQ"
)

var blockTime = time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC)

// fakeFetcher serves canned blocks
type fakeFetcher struct {
	blocks map[string][]*entity.RawTransaction
	tip    int64
}

func (f *fakeFetcher) FetchTransactions(ctx context.Context, blockID string) (*entity.FetchResult, error) {
	txs, ok := f.blocks[blockID]
	if !ok {
		return nil, fmt.Errorf("%w: block %s", entity.ErrPermanentFetch, blockID)
	}
	return &entity.FetchResult{
		BlockID:        blockID,
		BlockHash:      "hash-" + blockID,
		Transactions:   txs,
		Total:          len(txs),
		Resolved:       len(txs),
		ResolvedByTier: map[string]int{"fake": len(txs)},
	}, nil
}

func (f *fakeFetcher) TipHeight(ctx context.Context) (int64, error) {
	return f.tip, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	metrics   []*entity.NetFlowMetric
	decisions []*entity.FusionDecision
}

func (p *recordingPublisher) PublishNetFlow(_ context.Context, m *entity.NetFlowMetric) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = append(p.metrics, m)
	return nil
}

func (p *recordingPublisher) PublishDecision(_ context.Context, d *entity.FusionDecision) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisions = append(p.decisions, d)
	return nil
}

type recordingClusterRepo struct {
	clusters    []entity.ClusterRecord
	memberships []entity.ClusterMembership
	retired     []string
}

func (r *recordingClusterRepo) UpsertClusters(_ context.Context, c []entity.ClusterRecord) error {
	r.clusters = append(r.clusters, c...)
	return nil
}

func (r *recordingClusterRepo) UpsertMemberships(_ context.Context, m []entity.ClusterMembership) error {
	r.memberships = append(r.memberships, m...)
	return nil
}

func (r *recordingClusterRepo) RetireClusters(_ context.Context, reps []string) error {
	r.retired = append(r.retired, reps...)
	return nil
}

type fixedVote struct {
	vote entity.ConfidenceVote
}

func (v fixedVote) LatestVote() (entity.ConfidenceVote, bool) {
	return v.vote, true
}

func tx(id string, inputs []entity.TxInput, outputs []entity.TxOutput) *entity.RawTransaction {
	return &entity.RawTransaction{TxID: id, Inputs: inputs, Outputs: outputs, ObservedAt: blockTime}
}

func btc(v float64) entity.Satoshi {
	return entity.SatoshiFromBTC(v)
}

func coinJoinTx(id string) *entity.RawTransaction {
	var ins []entity.TxInput
	var outs []entity.TxOutput
	for i := 0; i < 10; i++ {
		ins = append(ins, entity.TxInput{Address: fmt.Sprintf("1MixerInput%02dXXXXXXXXXXXXX", i), Value: btc(0.0101)})
		outs = append(outs, entity.TxOutput{Address: fmt.Sprintf("1MixerOutput%02dXXXXXXXXXXXX", i), Value: btc(0.01)})
	}
	return tx(id, ins, outs)
}

func sampleBlock() []*entity.RawTransaction {
	return []*entity.RawTransaction{
		tx("deposit",
			[]entity.TxInput{{Address: userP, Value: btc(12.001)}},
			[]entity.TxOutput{{Address: exchangeHot, Value: btc(12)}}),
		tx("withdrawal",
			[]entity.TxInput{{Address: exchangeHot, Value: btc(20)}, {Address: exchangeHot2, Value: btc(10.5)}},
			[]entity.TxOutput{{Address: userQ, Value: btc(30)}}),
		coinJoinTx("mix"),
		tx("private",
			[]entity.TxInput{{Address: userP, Value: btc(1.0001)}},
			[]entity.TxOutput{{Address: userQ, Value: btc(1)}}),
	}
}

type testDeps struct {
	resolver  *service.EntityResolver
	publisher *recordingPublisher
	repo      *recordingClusterRepo
	cache     *cache.MemoryCoinJoinCache
}

func newTestService(t *testing.T, fetcher service.TransactionFetcher, vote entity.ConfidenceVote) (service.AnalysisService, *testDeps) {
	t.Helper()
	registry := service.NewExchangeRegistry(map[string]string{exchangeHot: "hot"})
	deps := &testDeps{
		resolver:  service.NewEntityResolver(registry),
		publisher: &recordingPublisher{},
		repo:      &recordingClusterRepo{},
		cache:     cache.NewMemoryCoinJoinCache(0),
	}

	svc := NewAnalysisApplicationService(AnalysisDeps{
		Fetcher:     fetcher,
		Exchanges:   registry,
		Resolver:    deps.resolver,
		CoinJoin:    service.NewCoinJoinClassifier(service.DefaultCoinJoinRules()),
		Change:      service.NewChangeDetector(service.DefaultChangeRules()),
		Flow:        service.NewFlowClassifier(0.7),
		Windows:     service.NewWindowSet([]time.Duration{time.Minute, 5 * time.Minute}, service.AggregatorRules{NoiseThreshold: btc(1), HistoryWindows: 4}),
		Fusion:      service.NewFusionEngine(service.DefaultFusionWeights, 0.6, -0.6),
		ClusterRepo: deps.repo,
		Cache:       deps.cache,
		Publisher:   deps.publisher,
		Votes:       fixedVote{vote: vote},
	}, AnalysisOptions{
		BlockDeadline:  time.Minute,
		DetectWorkers:  3,
		WhaleThreshold: btc(10),
		WhaleTop:       5,
		MaxVoteAge:     10 * time.Minute,
	}, logger.NewNop())
	return svc, deps
}

func TestAnalysisService_RunBlock(t *testing.T) {
	fetcher := &fakeFetcher{blocks: map[string][]*entity.RawTransaction{"840000": sampleBlock()}}
	svc, deps := newTestService(t, fetcher, entity.ConfidenceVote{Vote: 0.5, Source: "static"})

	report, err := svc.RunBlock(context.Background(), "840000")
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "hash-840000", report.BlockHash)
	assert.Equal(t, 1.0, report.Coverage)
	assert.EqualValues(t, 1, report.LabelCounts["INFLOW"])
	assert.EqualValues(t, 1, report.LabelCounts["OUTFLOW"])
	assert.EqualValues(t, 1, report.LabelCounts["EXCLUDED"])
	assert.EqualValues(t, 1, report.LabelCounts["UNRELATED"])
	assert.EqualValues(t, 0, report.LabelCounts["INTERNAL"])
	assert.EqualValues(t, 1, report.CoinJoins[string(entity.CoinJoinVariantFixedDenomination)])
	assert.Equal(t, btc(12), report.Inflow)
	assert.Equal(t, btc(30), report.Outflow)
	assert.Equal(t, btc(18), report.Net)

	require.Len(t, report.WhaleTransactions, 2)
	assert.Equal(t, "withdrawal", report.WhaleTransactions[0].TxID)
	assert.Equal(t, "deposit", report.WhaleTransactions[1].TxID)

	// one window per width
	require.Len(t, report.Metrics, 2)
	for _, m := range report.Metrics {
		assert.Equal(t, btc(18), m.Net)
		assert.Equal(t, entity.DirectionAccumulation, m.Direction)
		assert.InDelta(t, 18.0/42.0, m.Strength, 1e-9)
	}

	require.NotNil(t, report.Decision)
	assert.InDelta(t, 0.7*18.0/42.0+0.3*0.5, report.Decision.Score, 1e-9)
	assert.Equal(t, entity.ActionHold, report.Decision.Action)
	assert.Equal(t, report.Metrics[0].End, report.Decision.Timestamp)

	// the two hot wallets co-spent, so they form one exchange cluster
	assert.True(t, deps.resolver.Connected(exchangeHot, exchangeHot2))
	assert.True(t, deps.resolver.IsExchangeControlled(exchangeHot2))
	assert.NotEmpty(t, deps.repo.clusters)
	assert.Equal(t, 4, deps.cache.Len())
	assert.Len(t, deps.publisher.metrics, 2)
	assert.Len(t, deps.publisher.decisions, 1)
}

func TestAnalysisService_ReplayIsDeterministic(t *testing.T) {
	fetcher := &fakeFetcher{blocks: map[string][]*entity.RawTransaction{"840000": sampleBlock()}}
	vote := entity.ConfidenceVote{Vote: -0.2, Source: "static"}

	first, firstDeps := newTestService(t, fetcher, vote)
	second, secondDeps := newTestService(t, fetcher, vote)

	a, err := first.RunBlock(context.Background(), "840000")
	require.NoError(t, err)
	b, err := second.RunBlock(context.Background(), "840000")
	require.NoError(t, err)

	assert.Equal(t, firstDeps.resolver.Partition(), secondDeps.resolver.Partition())
	assert.Equal(t, a.LabelCounts, b.LabelCounts)
	assert.Equal(t, a.Metrics, b.Metrics)
	assert.Equal(t, a.Decision, b.Decision)
	assert.Equal(t, a.WhaleTransactions, b.WhaleTransactions)
	assert.NotEqual(t, a.RunID, b.RunID)
}

func TestAnalysisService_CachedVerdictIsUsed(t *testing.T) {
	fetcher := &fakeFetcher{blocks: map[string][]*entity.RawTransaction{"1": sampleBlock()}}
	svc, deps := newTestService(t, fetcher, entity.ConfidenceVote{})

	require.NoError(t, deps.cache.Put(context.Background(), entity.CoinJoinRecord{
		TxID: "deposit", Verdict: true, Confidence: 0.99, Variant: entity.CoinJoinVariantCoordinator,
	}))

	report, err := svc.ProcessBlock(context.Background(), "1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, report.LabelCounts["EXCLUDED"])
	assert.EqualValues(t, 0, report.LabelCounts["INFLOW"])
	assert.Zero(t, report.Inflow)
}

func TestAnalysisService_TickClosesWindowsAndDropsStaleVotes(t *testing.T) {
	fetcher := &fakeFetcher{blocks: map[string][]*entity.RawTransaction{
		"1": sampleBlock(),
		"2": {tx("late",
			[]entity.TxInput{{Address: userQ, Value: btc(5.01)}},
			[]entity.TxOutput{{Address: exchangeHot, Value: btc(5)}})},
	}}
	stale := entity.ConfidenceVote{Vote: 1, Source: "sentiment", Timestamp: blockTime.Add(-time.Hour)}
	svc, deps := newTestService(t, fetcher, stale)

	_, err := svc.ProcessBlock(context.Background(), "1")
	require.NoError(t, err)

	now := blockTime.Add(time.Minute)
	closed, decision, err := svc.Tick(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, time.Minute, closed[0].Window.Width)
	require.NotNil(t, decision)
	assert.Zero(t, decision.ExternalVote)
	assert.Equal(t, now, decision.Timestamp)

	// the one-minute window of the second block already closed, so the transaction is
	// carried into the next one-minute window and still lands in the five-minute one
	report, err := svc.ProcessBlock(context.Background(), "2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.LateTransactions)

	remaining, _, err := svc.Finalize(context.Background())
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, time.Minute, remaining[0].Window.Width)
	assert.Equal(t, btc(5), remaining[0].Inflow)
	assert.EqualValues(t, 1, remaining[0].LateCount)
	assert.Equal(t, 5*time.Minute, remaining[1].Window.Width)
	assert.Equal(t, btc(17), remaining[1].Inflow)
	assert.Zero(t, remaining[1].LateCount)
	assert.Len(t, deps.publisher.metrics, 3)
}

func TestAnalysisService_BackwardsBlockTimestampIsCarried(t *testing.T) {
	ahead := tx("ahead",
		[]entity.TxInput{{Address: exchangeHot, Value: btc(8.01)}},
		[]entity.TxOutput{{Address: userP, Value: btc(8)}})
	ahead.ObservedAt = blockTime.Add(3 * time.Minute)
	behind := tx("behind",
		[]entity.TxInput{{Address: userQ, Value: btc(6.01)}},
		[]entity.TxOutput{{Address: exchangeHot, Value: btc(6)}})
	behind.ObservedAt = blockTime.Add(-5 * time.Second)

	fetcher := &fakeFetcher{blocks: map[string][]*entity.RawTransaction{
		"100": sampleBlock(),
		"101": {ahead},
		"102": {behind},
	}}
	svc, _ := newTestService(t, fetcher, entity.ConfidenceVote{})

	_, err := svc.ProcessBlock(context.Background(), "100")
	require.NoError(t, err)
	_, err = svc.ProcessBlock(context.Background(), "101")
	require.NoError(t, err)

	// the event-time watermark is now the newer block's timestamp
	closed, _, err := svc.Tick(context.Background(), ahead.ObservedAt)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, time.Minute, closed[0].Window.Width)

	report, err := svc.ProcessBlock(context.Background(), "102")
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.LateTransactions)
	assert.Equal(t, btc(6), report.Inflow)

	var inflow1m, inflow5m entity.Satoshi
	var late int64
	for _, m := range append(closed, mustFlush(t, svc)...) {
		switch m.Window.Width {
		case time.Minute:
			inflow1m += m.Inflow
			late += m.LateCount
		case 5 * time.Minute:
			inflow5m += m.Inflow
		}
	}
	assert.Equal(t, btc(18), inflow1m, "no inflow is lost on the one-minute width")
	assert.Equal(t, btc(18), inflow5m)
	assert.EqualValues(t, 1, late)
}

func mustFlush(t *testing.T, svc service.AnalysisService) []*entity.NetFlowMetric {
	t.Helper()
	metrics, _, err := svc.Finalize(context.Background())
	require.NoError(t, err)
	return metrics
}

func TestAnalysisService_FetchFailure(t *testing.T) {
	svc, _ := newTestService(t, &fakeFetcher{}, entity.ConfidenceVote{})

	_, err := svc.RunBlock(context.Background(), "404")
	assert.ErrorIs(t, err, entity.ErrPermanentFetch)
}

func TestAnalysisService_FollowProcessesNewBlocks(t *testing.T) {
	fetcher := &fakeFetcher{tip: 7, blocks: map[string][]*entity.RawTransaction{"7": sampleBlock()}}
	svc, deps := newTestService(t, fetcher, entity.ConfidenceVote{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := svc.Follow(ctx, time.Hour, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, deps.resolver.Connected(exchangeHot, exchangeHot2))
}
