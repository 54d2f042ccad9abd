package service

import (
	"testing"
	"time"

	"whale-flow-analyzer/internal/domain/entity"

	"github.com/stretchr/testify/assert"
)

func TestFusionEngine_Fuse(t *testing.T) {
	engine := NewFusionEngine(DefaultFusionWeights, 0.6, -0.6)
	at := baseTime

	tests := []struct {
		name     string
		whale    float64
		external float64
		score    float64
		action   entity.Action
	}{
		{name: "strong accumulation", whale: 1.0, external: 0.5, score: 0.85, action: entity.ActionBuy},
		{name: "strong distribution", whale: -1.0, external: -0.5, score: -0.85, action: entity.ActionSell},
		{name: "weak signal", whale: 0.3, external: -0.2, score: 0.15, action: entity.ActionHold},
		{name: "moderate agreement holds", whale: 0.5, external: 0.5, score: 0.5, action: entity.ActionHold},
		{name: "votes clamped", whale: 3, external: 2, score: 1, action: entity.ActionBuy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := engine.Fuse(tt.whale, tt.external, DefaultFusionWeights, at)
			assert.InDelta(t, tt.score, d.Score, 1e-9)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, at, d.Timestamp)
			assert.GreaterOrEqual(t, d.Score, -1.0)
			assert.LessOrEqual(t, d.Score, 1.0)
		})
	}
}

func TestFusionEngine_EvaluateUsesWindow(t *testing.T) {
	engine := NewFusionEngine(entity.FusionWeights{}, 0.6, -0.6)
	assert.Equal(t, DefaultFusionWeights, engine.Weights())

	metric := &entity.NetFlowMetric{
		End:       baseTime.Add(time.Minute),
		Direction: entity.DirectionDistribution,
		Strength:  0.9,
	}
	d := engine.Evaluate(metric, -0.4)
	assert.InDelta(t, -0.9, d.WhaleVote, 1e-9)
	assert.InDelta(t, 0.7*-0.9+0.3*-0.4, d.Score, 1e-9)
	assert.Equal(t, entity.ActionSell, d.Action)
	assert.Equal(t, metric.End, d.Timestamp)

	empty := engine.Evaluate(nil, 1)
	assert.Zero(t, empty.WhaleVote)
	assert.InDelta(t, 0.3, empty.Score, 1e-9)
	assert.Equal(t, entity.ActionHold, empty.Action)
}
