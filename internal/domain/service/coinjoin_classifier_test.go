package service

import (
	"fmt"
	"testing"

	"whale-flow-analyzer/internal/domain/entity"

	"github.com/stretchr/testify/assert"
)

func equalOutputTx(id string, inputs, outputs int, value entity.Satoshi) *entity.RawTransaction {
	ins := make([]entity.TxInput, 0, inputs)
	for i := 0; i < inputs; i++ {
		ins = append(ins, in(fmt.Sprintf("in-%s-%d", id, i), value+1_000))
	}
	outs := make([]entity.TxOutput, 0, outputs)
	for i := 0; i < outputs; i++ {
		outs = append(outs, out(fmt.Sprintf("out-%s-%d", id, i), value))
	}
	return newTx(id, ins, outs)
}

func TestCoinJoinClassifier_Classify(t *testing.T) {
	c := NewCoinJoinClassifier(DefaultCoinJoinRules())

	tests := []struct {
		name          string
		tx            *entity.RawTransaction
		verdict       bool
		minConfidence float64
		maxConfidence float64
		variant       entity.CoinJoinVariant
	}{
		{
			name:          "generic equal outputs",
			tx:            equalOutputTx("generic", 10, 10, btc(0.1)),
			verdict:       true,
			minConfidence: 0.5,
			maxConfidence: 1,
			variant:       entity.CoinJoinVariantGenericEqualOutput,
		},
		{
			name:          "pool denomination",
			tx:            equalOutputTx("pool", 10, 10, btc(0.01)),
			verdict:       true,
			minConfidence: 0.9,
			maxConfidence: 1,
			variant:       entity.CoinJoinVariantFixedDenomination,
		},
		{
			name: "simple payment",
			tx: newTx("payment",
				[]entity.TxInput{in(userP, btc(1))},
				[]entity.TxOutput{out(userQ, btc(0.5)), out(userP, btc(0.4999))}),
			verdict:       false,
			minConfidence: 0,
			maxConfidence: 0,
			variant:       entity.CoinJoinVariantNone,
		},
		{
			name:          "equal outputs without enough inputs",
			tx:            equalOutputTx("batch", 1, 6, btc(0.2)),
			verdict:       false,
			minConfidence: 0.3,
			maxConfidence: 0.3,
			variant:       entity.CoinJoinVariantNone,
		},
		{
			name:          "single input split into pool denominations",
			tx:            equalOutputTx("payout", 1, 5, btc(0.01)),
			verdict:       false,
			minConfidence: 0.3,
			maxConfidence: 0.3,
			variant:       entity.CoinJoinVariantNone,
		},
		{
			name:          "pool denomination with too few inputs",
			tx:            equalOutputTx("short-pool", 4, 5, btc(0.05)),
			verdict:       false,
			minConfidence: 0.3,
			maxConfidence: 0.3,
			variant:       entity.CoinJoinVariantNone,
		},
		{
			name:          "whirlpool round",
			tx:            equalOutputTx("whirlpool", 5, 5, btc(0.05)),
			verdict:       true,
			minConfidence: 0.95,
			maxConfidence: 1,
			variant:       entity.CoinJoinVariantFixedDenomination,
		},
		{
			name:          "single input coordinator sized batch",
			tx:            equalOutputTx("batch-120", 1, 120, btc(0.0731)),
			verdict:       false,
			minConfidence: 0.3,
			maxConfidence: 0.3,
			variant:       entity.CoinJoinVariantNone,
		},
		{
			name:          "coordinator round",
			tx:            equalOutputTx("round", 60, 120, btc(0.0731)),
			verdict:       true,
			minConfidence: 0.95,
			maxConfidence: 1,
			variant:       entity.CoinJoinVariantCoordinator,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := c.Classify(tt.tx)
			assert.Equal(t, tt.tx.TxID, result.TxID)
			assert.Equal(t, tt.verdict, result.Verdict)
			assert.Equal(t, tt.variant, result.Variant)
			assert.GreaterOrEqual(t, result.Confidence, tt.minConfidence)
			assert.LessOrEqual(t, result.Confidence, tt.maxConfidence)
		})
	}
}

func TestCoinJoinClassifier_ConfidenceBounded(t *testing.T) {
	c := NewCoinJoinClassifier(DefaultCoinJoinRules())
	for _, tx := range []*entity.RawTransaction{
		equalOutputTx("a", 400, 400, btc(0.01)),
		equalOutputTx("b", 2, 2, btc(0.01)),
		equalOutputTx("c", 100, 300, btc(0.05)),
		{TxID: "coinbase", Coinbase: true, Outputs: []entity.TxOutput{out(userP, btc(3.125))}},
	} {
		result := c.Classify(tx)
		assert.GreaterOrEqual(t, result.Confidence, 0.0, tx.TxID)
		assert.LessOrEqual(t, result.Confidence, 1.0, tx.TxID)
	}
}

func TestCoinJoinClassifier_Deterministic(t *testing.T) {
	c := NewCoinJoinClassifier(DefaultCoinJoinRules())
	tx := equalOutputTx("det", 12, 15, btc(0.05))
	assert.Equal(t, c.Classify(tx), c.Classify(tx))
}

func TestCoinJoinClassifier_Tolerance(t *testing.T) {
	rules := DefaultCoinJoinRules()
	rules.EqualTolerance = 10
	c := NewCoinJoinClassifier(rules)

	tx := equalOutputTx("tol", 8, 8, btc(0.3))
	for i := range tx.Outputs {
		tx.Outputs[i].Value += entity.Satoshi(i)
	}
	assert.True(t, c.Classify(tx).Verdict)

	strict := NewCoinJoinClassifier(DefaultCoinJoinRules())
	assert.False(t, strict.Classify(tx).Verdict)
}
