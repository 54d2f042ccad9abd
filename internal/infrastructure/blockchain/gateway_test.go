package blockchain

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"whale-flow-analyzer/internal/domain/entity"
	"whale-flow-analyzer/internal/infrastructure/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves canned transactions and scripted failures
type fakeSource struct {
	name  string
	block *BlockRef
	txs   map[string]*entity.RawTransaction
	fail  map[string]error // txid -> error returned on every call
	delay time.Duration

	mu    sync.Mutex
	calls map[string]int
}

func newFakeSource(name string, block *BlockRef) *fakeSource {
	return &fakeSource{
		name:  name,
		block: block,
		txs:   make(map[string]*entity.RawTransaction),
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) ResolveBlock(ctx context.Context, blockID string) (*BlockRef, error) {
	if f.block == nil {
		return nil, fmt.Errorf("%w: %s: unknown block", entity.ErrPermanentFetch, f.name)
	}
	ref := *f.block
	return &ref, nil
}

func (f *fakeSource) Transaction(ctx context.Context, txID string) (*entity.RawTransaction, error) {
	f.mu.Lock()
	f.calls[txID]++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if err, ok := f.fail[txID]; ok {
		return nil, err
	}
	tx, ok := f.txs[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s: tx %s not found", entity.ErrPermanentFetch, f.name, txID)
	}
	copied := *tx
	copied.Source = f.name
	return &copied, nil
}

func (f *fakeSource) TipHeight(ctx context.Context) (int64, error) {
	if f.block == nil {
		return 0, fmt.Errorf("%w: %s down", entity.ErrTransientFetch, f.name)
	}
	return f.block.Height, nil
}

func (f *fakeSource) callCount(txID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[txID]
}

func simpleTx(id string) *entity.RawTransaction {
	return &entity.RawTransaction{
		TxID:    id,
		Inputs:  []entity.TxInput{{Address: "1SenderAddressSSSSSSSSSSSS", Value: 2_000}},
		Outputs: []entity.TxOutput{{Address: "1ReceiverAddressRRRRRRRRRR", Value: 1_500}},
	}
}

func testBlock(txids ...string) *BlockRef {
	return &BlockRef{
		ID:     "840000",
		Hash:   "0000000000000000000320283a032748cef8227873ff4872689bf23f1cda83a5",
		Height: 840000,
		Time:   time.Date(2024, 4, 20, 0, 9, 27, 0, time.UTC),
		TxIDs:  txids,
	}
}

func testGateway(sources ...TransactionSource) *Gateway {
	return NewGateway(sources, GatewayOptions{
		Workers: 4,
		Retry:   RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, logger.NewNop(), nil)
}

func TestGateway_FetchAllFromPrimary(t *testing.T) {
	block := testBlock("a", "b", "c")
	primary := newFakeSource("primary", block)
	for _, id := range block.TxIDs {
		primary.txs[id] = simpleTx(id)
	}

	result, err := testGateway(primary).FetchTransactions(context.Background(), "840000")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.Resolved)
	assert.Equal(t, 1.0, result.Coverage())
	assert.Equal(t, 3, result.ResolvedByTier["primary"])
	assert.False(t, result.DeadlineExceeded)
	assert.Equal(t, block.Hash, result.BlockHash)

	// transactions keep block order and carry the block context
	require.Len(t, result.Transactions, 3)
	for i, tx := range result.Transactions {
		assert.Equal(t, block.TxIDs[i], tx.TxID)
		assert.True(t, tx.Status.Confirmed)
		assert.Equal(t, block.Hash, tx.Status.BlockHash)
		assert.Equal(t, block.Height, tx.Status.BlockHeight)
		assert.Equal(t, block.Time, tx.ObservedAt)
	}
}

func TestGateway_FallsBackToSecondary(t *testing.T) {
	block := testBlock("a", "b")
	primary := newFakeSource("primary", block)
	secondary := newFakeSource("secondary", block)
	primary.txs["a"] = simpleTx("a")
	primary.fail["b"] = fmt.Errorf("%w: 503", entity.ErrTransientFetch)
	secondary.txs["b"] = simpleTx("b")

	result, err := testGateway(primary, secondary).FetchTransactions(context.Background(), "840000")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Resolved)
	assert.Equal(t, 1, result.ResolvedByTier["primary"])
	assert.Equal(t, 1, result.ResolvedByTier["secondary"])
	assert.Equal(t, 2, primary.callCount("b"), "transient errors are retried before falling back")
	assert.Equal(t, 0, secondary.callCount("a"))
	assert.Equal(t, "secondary", result.Transactions[1].Source)
}

func TestGateway_UnresolvedAndMalformed(t *testing.T) {
	block := testBlock("ok", "missing", "broken")
	primary := newFakeSource("primary", block)
	secondary := newFakeSource("secondary", block)
	primary.txs["ok"] = simpleTx("ok")
	primary.txs["broken"] = &entity.RawTransaction{TxID: "broken", Inputs: simpleTx("x").Inputs}
	secondary.txs["broken"] = simpleTx("broken")

	result, err := testGateway(primary, secondary).FetchTransactions(context.Background(), "840000")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Resolved)
	assert.Equal(t, []string{"missing"}, result.Unresolved)
	assert.Equal(t, []string{"broken"}, result.Malformed)
	assert.Equal(t, 0, secondary.callCount("broken"), "malformed payloads do not fall back")
	assert.InDelta(t, 1.0/3.0, result.Coverage(), 1e-9)
	assert.GreaterOrEqual(t, result.Coverage(), 0.0)
	assert.LessOrEqual(t, result.Coverage(), 1.0)
}

func TestGateway_DeadlineReturnsPartialResult(t *testing.T) {
	block := testBlock("fast", "slow1", "slow2")
	primary := newFakeSource("primary", block)
	for _, id := range block.TxIDs {
		primary.txs[id] = simpleTx(id)
	}
	slow := newFakeSource("slow", block)
	slow.delay = time.Second

	g := NewGateway([]TransactionSource{&splitSource{fast: primary, slow: slow, fastIDs: map[string]bool{"fast": true}}},
		GatewayOptions{Workers: 3, Retry: RetryPolicy{MaxAttempts: 1}}, logger.NewNop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result, err := g.FetchTransactions(ctx, "840000")
	require.NoError(t, err)
	assert.True(t, result.DeadlineExceeded)
	assert.Equal(t, 1, result.Resolved)
	assert.ElementsMatch(t, []string{"slow1", "slow2"}, result.Unresolved)
	assert.Less(t, result.Coverage(), 1.0)
}

func TestGateway_UnknownBlockFails(t *testing.T) {
	primary := newFakeSource("primary", nil)
	secondary := newFakeSource("secondary", nil)

	_, err := testGateway(primary, secondary).FetchTransactions(context.Background(), "999999999")
	assert.ErrorIs(t, err, entity.ErrPermanentFetch)
}

func TestGateway_MempoolSnapshot(t *testing.T) {
	ref := &BlockRef{ID: MempoolBlockID, Mempool: true, Height: -1, TxIDs: []string{"m1", "m2", "m3"}}
	primary := newFakeSource("primary", ref)
	for _, id := range ref.TxIDs {
		primary.txs[id] = simpleTx(id)
	}

	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	g := NewGateway([]TransactionSource{primary}, GatewayOptions{Workers: 2, MempoolLimit: 2}, logger.NewNop(), nil)
	g.now = func() time.Time { return now }

	result, err := g.FetchTransactions(context.Background(), MempoolBlockID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	require.Len(t, result.Transactions, 2)
	for _, tx := range result.Transactions {
		assert.False(t, tx.Status.Confirmed)
		assert.Equal(t, now, tx.ObservedAt)
	}
}

func TestGateway_TipHeightFallsBack(t *testing.T) {
	down := newFakeSource("down", nil)
	up := newFakeSource("up", testBlock())

	height, err := testGateway(down, up).TipHeight(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 840000, height)
	assert.Equal(t, []string{"down", "up"}, testGateway(down, up).Sources())
}

func TestGateway_NoSources(t *testing.T) {
	_, err := testGateway().FetchTransactions(context.Background(), "1")
	assert.ErrorIs(t, err, entity.ErrPermanentFetch)
}

// splitSource answers some txids quickly and stalls on the rest
type splitSource struct {
	fast, slow *fakeSource
	fastIDs    map[string]bool
}

func (s *splitSource) Name() string { return "split" }

func (s *splitSource) ResolveBlock(ctx context.Context, blockID string) (*BlockRef, error) {
	return s.fast.ResolveBlock(ctx, blockID)
}

func (s *splitSource) Transaction(ctx context.Context, txID string) (*entity.RawTransaction, error) {
	if s.fastIDs[txID] {
		return s.fast.Transaction(ctx, txID)
	}
	return s.slow.Transaction(ctx, txID)
}

func (s *splitSource) TipHeight(ctx context.Context) (int64, error) {
	return s.fast.TipHeight(ctx)
}

func TestGateway_AddresslessInputsAreNotMalformed(t *testing.T) {
	block := testBlock("p2pk")
	primary := newFakeSource("primary", block)
	primary.txs["p2pk"] = &entity.RawTransaction{
		TxID:    "p2pk",
		Inputs:  []entity.TxInput{{Value: 5_000_000_000}},
		Outputs: simpleTx("x").Outputs,
	}

	result, err := testGateway(primary).FetchTransactions(context.Background(), "840000")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Resolved)
	assert.Empty(t, result.Malformed)
	assert.Equal(t, 1.0, result.Coverage())
}
