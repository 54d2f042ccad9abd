package service

import (
	"fmt"
	"math"
	"sort"

	"whale-flow-analyzer/internal/domain/entity"
)

// Confidence tiers of the CoinJoin heuristics
const (
	coinJoinWeakScore        = 0.3
	coinJoinGenericScore     = 0.5
	coinJoinGenericMaxBonus  = 0.25
	coinJoinStrongScore      = 0.9
	coinJoinStructureBonus   = 0.05
	coinJoinConvergenceBonus = 0.05
)

// CoinJoinRules holds the thresholds of the CoinJoin heuristics
type CoinJoinRules struct {
	EqualTolerance         entity.Satoshi   // outputs within this distance count as equal
	MinEqualOutputs        int              // equal-output heuristic fires at this many equal outputs
	MinInputs              int              // generic variant needs at least this many inputs
	Denominations          []entity.Satoshi // canonical pool denominations
	MinDenominationOutputs int              // pool outputs, and pool inputs: every participant brings one
	CoordinatorMinOutputs  int
	CoordinatorMinEqual    int
}

// DefaultCoinJoinRules returns the stock thresholds: more than 3 equal outputs and more than 5
// inputs for the generic and coordinator variants, 0.001/0.01/0.05/0.5 BTC pools of 5+ inputs
// and outputs, 100+ output coordinator rounds
func DefaultCoinJoinRules() CoinJoinRules {
	return CoinJoinRules{
		EqualTolerance:  0,
		MinEqualOutputs: 4,
		MinInputs:       6,
		Denominations: []entity.Satoshi{
			100_000,    // 0.001 BTC
			1_000_000,  // 0.01 BTC
			5_000_000,  // 0.05 BTC
			50_000_000, // 0.5 BTC
		},
		MinDenominationOutputs: 5,
		CoordinatorMinOutputs:  100,
		CoordinatorMinEqual:    10,
	}
}

// CoinJoinClassifier scores transactions for privacy-pooling patterns. It holds no mutable
// state, so one instance can be shared across goroutines and its results cached by txid.
type CoinJoinClassifier struct {
	rules CoinJoinRules
}

// NewCoinJoinClassifier creates a classifier with the given rules
func NewCoinJoinClassifier(rules CoinJoinRules) *CoinJoinClassifier {
	denoms := append([]entity.Satoshi(nil), rules.Denominations...)
	sort.Slice(denoms, func(i, j int) bool { return denoms[i] < denoms[j] })
	rules.Denominations = denoms
	return &CoinJoinClassifier{rules: rules}
}

// equalGroup is a run of outputs whose values sit within the tolerance of the run's first value
type equalGroup struct {
	value entity.Satoshi
	count int
}

// Classify scores one transaction
func (c *CoinJoinClassifier) Classify(tx *entity.RawTransaction) entity.CoinJoinResult {
	result := entity.CoinJoinResult{
		TxID:    tx.TxID,
		Variant: entity.CoinJoinVariantNone,
	}
	if len(tx.Outputs) < 2 || tx.Coinbase {
		return result
	}

	groups := c.equalGroups(tx.Outputs)
	if len(groups) == 0 {
		return result
	}
	largest := groups[0]
	inputs := len(tx.Inputs)
	outputs := len(tx.Outputs)

	type candidate struct {
		variant entity.CoinJoinVariant
		score   float64
	}
	var strong []candidate

	// 1. Equal outputs
	if largest.count >= c.rules.MinEqualOutputs {
		result.Evidence = append(result.Evidence, entity.CoinJoinEvidence{
			Heuristic: "equal_outputs",
			Detail:    fmt.Sprintf("%d outputs of %s BTC", largest.count, largest.value),
			Score:     coinJoinWeakScore,
		})

		if inputs >= c.rules.MinInputs {
			extra := float64(largest.count-c.rules.MinEqualOutputs) / 16.0
			score := coinJoinGenericScore + coinJoinGenericMaxBonus*math.Min(1, extra)
			result.Evidence = append(result.Evidence, entity.CoinJoinEvidence{
				Heuristic: "equal_outputs_many_inputs",
				Detail:    fmt.Sprintf("%d inputs, %d equal outputs", inputs, largest.count),
				Score:     score,
			})
			strong = append(strong, candidate{entity.CoinJoinVariantGenericEqualOutput, score})
		}
	}

	// 2. Pool denominations. A single signer splitting into pool-sized outputs is a payout.
	for _, g := range groups {
		if inputs < c.rules.MinDenominationOutputs {
			break
		}
		if g.count < c.rules.MinDenominationOutputs {
			break
		}
		denom, ok := c.matchDenomination(g.value)
		if !ok {
			continue
		}
		score := coinJoinStrongScore
		if inputs == outputs && g.count == outputs {
			score += coinJoinStructureBonus
		}
		result.Evidence = append(result.Evidence, entity.CoinJoinEvidence{
			Heuristic: "fixed_denomination",
			Detail:    fmt.Sprintf("%d outputs at pool denomination %s BTC", g.count, denom),
			Score:     score,
		})
		strong = append(strong, candidate{entity.CoinJoinVariantFixedDenomination, score})
		break
	}

	// 3. Large coordinated round
	if inputs >= c.rules.MinInputs && outputs >= c.rules.CoordinatorMinOutputs && largest.count >= c.rules.CoordinatorMinEqual {
		score := coinJoinStrongScore + coinJoinStructureBonus*math.Min(1, float64(inputs)/50.0)
		result.Evidence = append(result.Evidence, entity.CoinJoinEvidence{
			Heuristic: "coordinator_round",
			Detail:    fmt.Sprintf("%d outputs, largest equal group %d", outputs, largest.count),
			Score:     score,
		})
		strong = append(strong, candidate{entity.CoinJoinVariantCoordinator, score})
	}

	if len(strong) == 0 {
		if len(result.Evidence) > 0 {
			result.Confidence = coinJoinWeakScore
		}
		return result
	}

	// the highest scoring variant wins; earlier entries win ties
	best := strong[0]
	for _, cand := range strong[1:] {
		if cand.score > best.score {
			best = cand
		}
	}
	confidence := best.score + coinJoinConvergenceBonus*float64(len(strong)-1)

	result.Verdict = true
	result.Variant = best.variant
	result.Confidence = clamp(confidence, 0, 1)
	return result
}

// equalGroups groups non-zero output values, largest group first (ties: higher value first)
func (c *CoinJoinClassifier) equalGroups(outputs []entity.TxOutput) []equalGroup {
	values := make([]entity.Satoshi, 0, len(outputs))
	for _, out := range outputs {
		if out.Value > 0 {
			values = append(values, out.Value)
		}
	}
	if len(values) == 0 {
		return nil
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	var groups []equalGroup
	current := equalGroup{value: values[0], count: 1}
	for _, v := range values[1:] {
		if v-current.value <= c.rules.EqualTolerance {
			current.count++
			continue
		}
		groups = append(groups, current)
		current = equalGroup{value: v, count: 1}
	}
	groups = append(groups, current)

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].count != groups[j].count {
			return groups[i].count > groups[j].count
		}
		return groups[i].value > groups[j].value
	})
	return groups
}

func (c *CoinJoinClassifier) matchDenomination(value entity.Satoshi) (entity.Satoshi, bool) {
	for _, d := range c.rules.Denominations {
		diff := value - d
		if diff < 0 {
			diff = -diff
		}
		if diff <= c.rules.EqualTolerance {
			return d, true
		}
	}
	return 0, false
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}
