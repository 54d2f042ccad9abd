package service

import (
	"whale-flow-analyzer/internal/domain/entity"
)

// FlowClassifier labels transactions by their effect on exchange-held liquidity.
// Polarity is a convention of this system: funds leaving an exchange are bullish.
type FlowClassifier struct {
	coinJoinThreshold float64
}

// NewFlowClassifier creates a classifier that excludes CoinJoins scored above the threshold
func NewFlowClassifier(coinJoinThreshold float64) *FlowClassifier {
	return &FlowClassifier{coinJoinThreshold: coinJoinThreshold}
}

// Classify labels one transaction. coinJoin and change may be nil when unavailable.
//
// The attributed amount is the value that crossed the exchange boundary: non-exchange
// outputs for OUTFLOW, exchange outputs for INFLOW and INTERNAL. The detected change output
// is left out of that sum so change-to-self is not counted as flow.
func (c *FlowClassifier) Classify(
	tx *entity.RawTransaction,
	clusters ClusterView,
	exchanges ExchangeDirectory,
	coinJoin *entity.CoinJoinResult,
	change *entity.ChangeDetectionResult,
) *entity.ClassifiedTransaction {
	classified := &entity.ClassifiedTransaction{
		Tx:       tx,
		TxID:     tx.TxID,
		Label:    entity.FlowUnrelated,
		CoinJoin: coinJoin,
		Change:   change,
	}

	inputs := tx.InputAddresses()
	if len(inputs) > 0 {
		classified.SenderRepresentative = inputs[0]
		if clusters != nil {
			classified.SenderRepresentative, _ = clusters.Find(inputs[0])
		}
	}

	if coinJoin != nil && coinJoin.Verdict && coinJoin.Confidence > c.coinJoinThreshold {
		classified.Label = entity.FlowExcluded
		return classified
	}
	if len(inputs) == 0 {
		return classified
	}

	isExchange := func(address string) bool {
		if address == "" {
			return false
		}
		if exchanges != nil && exchanges.IsExchangeAddress(address) {
			return true
		}
		return clusters != nil && clusters.IsExchangeControlled(address)
	}

	inputExchange := false
	for _, addr := range inputs {
		if isExchange(addr) {
			inputExchange = true
			break
		}
	}

	changeIdx := entity.NoChange
	if change.Found() && change.OutputIndex < len(tx.Outputs) {
		changeIdx = change.OutputIndex
		// an exchange deposit is never the sender's change
		if !inputExchange && isExchange(tx.Outputs[changeIdx].Address) {
			changeIdx = entity.NoChange
		}
	}

	var exchangeOut, otherOut entity.Satoshi
	var exchangeCount, otherCount int
	for i, out := range tx.Outputs {
		if i == changeIdx || out.Address == "" {
			continue
		}
		if isExchange(out.Address) {
			exchangeOut += out.Value
			exchangeCount++
		} else {
			otherOut += out.Value
			otherCount++
		}
	}

	switch {
	case inputExchange && otherCount > 0:
		classified.Label = entity.FlowOutflow
		classified.Amount = otherOut
	case inputExchange && exchangeCount > 0:
		classified.Label = entity.FlowInternal
		classified.Amount = exchangeOut
	case !inputExchange && exchangeCount > 0:
		classified.Label = entity.FlowInflow
		classified.Amount = exchangeOut
	}
	return classified
}
