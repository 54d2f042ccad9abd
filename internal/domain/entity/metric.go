package entity

import (
	"time"
)

// FlowDirection is the dominant direction of a closed window
type FlowDirection string

const (
	DirectionAccumulation FlowDirection = "ACCUMULATION" // net outflow from exchanges
	DirectionDistribution FlowDirection = "DISTRIBUTION" // net inflow to exchanges
	DirectionNeutral      FlowDirection = "NEUTRAL"
)

// WindowID identifies a tumbling window of a given width
type WindowID struct {
	Width time.Duration `json:"width"`
	Start int64         `json:"start"` // unix seconds of the window start
}

// NetFlowMetric is produced when a window closes; immutable afterwards
type NetFlowMetric struct {
	Window      WindowID         `json:"window"`
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
	Inflow      Satoshi          `json:"inflow"`
	Outflow     Satoshi          `json:"outflow"`
	Net         Satoshi          `json:"net"` // outflow - inflow
	TxCount     int64            `json:"tx_count"`
	LateCount   int64            `json:"late_count"` // carried in from already closed windows
	LabelCounts map[string]int64 `json:"label_counts"`
	LargestTx   Satoshi          `json:"largest_tx"`
	LargestTxID string           `json:"largest_txid,omitempty"`
	Direction   FlowDirection    `json:"direction"`
	Strength    float64          `json:"strength"` // 0.0 - 1.0
}

// WhaleVote turns the metric into a vote in [-1,1]; positive is bullish
func (m *NetFlowMetric) WhaleVote() float64 {
	switch m.Direction {
	case DirectionAccumulation:
		return m.Strength
	case DirectionDistribution:
		return -m.Strength
	default:
		return 0
	}
}
