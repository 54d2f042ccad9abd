package entity

import (
	"time"
)

// Action is the discrete trading recommendation
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// FusionWeights weighs the whale-flow vote against the external confidence vote
type FusionWeights struct {
	WhaleFlow float64 `json:"whale_flow" mapstructure:"whale_flow"`
	External  float64 `json:"external" mapstructure:"external"`
}

// FusionDecision is recomputed on every evaluation tick and never corrected afterwards
type FusionDecision struct {
	Timestamp    time.Time     `json:"timestamp"`
	WhaleVote    float64       `json:"whale_vote"`
	ExternalVote float64       `json:"external_vote"`
	Weights      FusionWeights `json:"weights"`
	Score        float64       `json:"score"` // -1.0 - 1.0
	Action       Action        `json:"action"`
}

// ConfidenceVote is the external price-confidence signal
type ConfidenceVote struct {
	Vote      float64   `json:"vote"` // -1.0 - 1.0, positive is bullish
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}
