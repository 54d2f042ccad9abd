package entity

import (
	"encoding/json"
	"fmt"
)

// FlowLabel is the closed set of flow classifications
type FlowLabel int

const (
	FlowUnrelated FlowLabel = iota // neither side exchange-controlled
	FlowInflow                     // funds moving into exchange custody (bearish)
	FlowOutflow                    // exchange releasing funds (bullish)
	FlowInternal                   // exchange to exchange, no net signal
	FlowExcluded                   // CoinJoin, removed from flow accounting
)

var flowLabelNames = [...]string{
	FlowUnrelated: "UNRELATED",
	FlowInflow:    "INFLOW",
	FlowOutflow:   "OUTFLOW",
	FlowInternal:  "INTERNAL",
	FlowExcluded:  "EXCLUDED",
}

// FlowLabels lists every label in declaration order
var FlowLabels = []FlowLabel{FlowUnrelated, FlowInflow, FlowOutflow, FlowInternal, FlowExcluded}

// String returns the label name
func (l FlowLabel) String() string {
	if l < 0 || int(l) >= len(flowLabelNames) {
		return fmt.Sprintf("FlowLabel(%d)", int(l))
	}
	return flowLabelNames[l]
}

// MarshalJSON encodes the label as its name
func (l FlowLabel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a label name
func (l *FlowLabel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range flowLabelNames {
		if n == name {
			*l = FlowLabel(i)
			return nil
		}
	}
	return fmt.Errorf("unknown flow label %q", name)
}

// CountsTowardNetFlow reports whether the label feeds the inflow/outflow accumulators
func (l FlowLabel) CountsTowardNetFlow() bool {
	return l == FlowInflow || l == FlowOutflow
}

// ClassifiedTransaction is created once per transaction and never mutated
type ClassifiedTransaction struct {
	Tx                   *RawTransaction        `json:"-"`
	TxID                 string                 `json:"txid"`
	SenderRepresentative string                 `json:"sender_representative"`
	Label                FlowLabel              `json:"label"`
	Amount               Satoshi                `json:"amount"` // change-adjusted
	CoinJoin             *CoinJoinResult        `json:"coinjoin,omitempty"`
	Change               *ChangeDetectionResult `json:"change,omitempty"`
}
