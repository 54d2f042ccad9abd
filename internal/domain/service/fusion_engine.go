package service

import (
	"time"

	"whale-flow-analyzer/internal/domain/entity"
)

// DefaultFusionWeights weighs whale flow over the external signal
var DefaultFusionWeights = entity.FusionWeights{WhaleFlow: 0.7, External: 0.3}

// FusionEngine turns two votes into a bounded score and an action. It keeps no history.
type FusionEngine struct {
	buyThreshold  float64
	sellThreshold float64
	weights       entity.FusionWeights
}

// NewFusionEngine creates an engine; zero weights fall back to DefaultFusionWeights
func NewFusionEngine(weights entity.FusionWeights, buyThreshold, sellThreshold float64) *FusionEngine {
	if weights.WhaleFlow == 0 && weights.External == 0 {
		weights = DefaultFusionWeights
	}
	return &FusionEngine{
		buyThreshold:  buyThreshold,
		sellThreshold: sellThreshold,
		weights:       weights,
	}
}

// Weights returns the configured weights
func (e *FusionEngine) Weights() entity.FusionWeights {
	return e.weights
}

// Fuse combines the whale-flow vote with the external vote. Votes are clamped to [-1,1]
// before weighing and the score is clamped again afterwards.
func (e *FusionEngine) Fuse(whaleVote, externalVote float64, weights entity.FusionWeights, at time.Time) entity.FusionDecision {
	whaleVote = clamp(whaleVote, -1, 1)
	externalVote = clamp(externalVote, -1, 1)

	score := clamp(weights.WhaleFlow*whaleVote+weights.External*externalVote, -1, 1)

	action := entity.ActionHold
	switch {
	case score > e.buyThreshold:
		action = entity.ActionBuy
	case score < e.sellThreshold:
		action = entity.ActionSell
	}

	return entity.FusionDecision{
		Timestamp:    at,
		WhaleVote:    whaleVote,
		ExternalVote: externalVote,
		Weights:      weights,
		Score:        score,
		Action:       action,
	}
}

// Evaluate fuses a closed window with the external vote using the configured weights. The
// decision is stamped with the window end so replays produce identical decisions.
func (e *FusionEngine) Evaluate(metric *entity.NetFlowMetric, externalVote float64) entity.FusionDecision {
	if metric == nil {
		return e.Fuse(0, externalVote, e.weights, time.Time{})
	}
	return e.Fuse(metric.WhaleVote(), externalVote, e.weights, metric.End)
}
