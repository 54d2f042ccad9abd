package service

import (
	"strings"

	"whale-flow-analyzer/internal/domain/entity"
)

// ChangeRules holds the change detector thresholds
type ChangeRules struct {
	// MinRoundnessGap is how many more trailing zeros every other output must carry than the
	// odd output before it is called change
	MinRoundnessGap int
	// SmallValueFraction is the share of the total output under which an output looks like change
	SmallValueFraction float64
	// SmallValueMaxOutputs limits the small-value heuristic to simple payments
	SmallValueMaxOutputs int
}

// DefaultChangeRules returns the stock change thresholds
func DefaultChangeRules() ChangeRules {
	return ChangeRules{
		MinRoundnessGap:      3,
		SmallValueFraction:   0.1,
		SmallValueMaxOutputs: 2,
	}
}

// ScriptType is the output script family inferred from an address encoding
type ScriptType string

const (
	ScriptUnknown ScriptType = "unknown"
	ScriptP2PKH   ScriptType = "p2pkh"
	ScriptP2SH    ScriptType = "p2sh"
	ScriptP2WPKH  ScriptType = "p2wpkh"
	ScriptP2WSH   ScriptType = "p2wsh"
	ScriptP2TR    ScriptType = "p2tr"
)

// ChangeDetector flags the output most likely returning funds to the sender. Every heuristic
// requires a unique match, so ambiguous transactions report no change.
type ChangeDetector struct {
	rules ChangeRules
}

// NewChangeDetector creates a detector with the given rules
func NewChangeDetector(rules ChangeRules) *ChangeDetector {
	return &ChangeDetector{rules: rules}
}

// DetectChange applies the heuristics in order, first match wins. clusters may be nil, in
// which case only address reuse counts as a cluster relationship.
func (d *ChangeDetector) DetectChange(tx *entity.RawTransaction, clusters ClusterView) entity.ChangeDetectionResult {
	result := entity.ChangeDetectionResult{
		TxID:        tx.TxID,
		OutputIndex: entity.NoChange,
		Reason:      entity.ChangeReasonNone,
	}
	if tx.Coinbase || len(tx.Inputs) == 0 || len(tx.Outputs) < 2 {
		return result
	}

	if idx, ok := d.oddFraction(tx.Outputs); ok {
		result.OutputIndex, result.Reason = idx, entity.ChangeReasonOddFraction
		return result
	}
	if idx, ok := d.smallValue(tx); ok {
		result.OutputIndex, result.Reason = idx, entity.ChangeReasonSmallValue
		return result
	}
	if idx, ok := clusterMatch(tx, clusters); ok {
		result.OutputIndex, result.Reason = idx, entity.ChangeReasonClusterMatch
		return result
	}
	if idx, ok := scriptTypeMatch(tx); ok {
		result.OutputIndex, result.Reason = idx, entity.ChangeReasonScriptTypeMatch
		return result
	}
	return result
}

// oddFraction looks for the single output whose satoshi value has far fewer trailing zeros
// than every other output. Payments tend to be round amounts; change keeps the leftover tail.
func (d *ChangeDetector) oddFraction(outputs []entity.TxOutput) (int, bool) {
	minIdx, minRound := -1, 0
	roundness := make([]int, len(outputs))
	for i, out := range outputs {
		roundness[i] = Roundness(out.Value)
		if out.Address == "" {
			continue
		}
		if minIdx == -1 || roundness[i] < minRound {
			minIdx, minRound = i, roundness[i]
		}
	}
	if minIdx == -1 {
		return 0, false
	}

	others := 0
	for i, out := range outputs {
		if i == minIdx || out.Address == "" {
			continue
		}
		if roundness[i]-minRound < d.rules.MinRoundnessGap {
			return 0, false
		}
		others++
	}
	return minIdx, others > 0
}

func (d *ChangeDetector) smallValue(tx *entity.RawTransaction) (int, bool) {
	if len(tx.Outputs) > d.rules.SmallValueMaxOutputs {
		return 0, false
	}
	total := tx.TotalOutput()
	if total <= 0 {
		return 0, false
	}

	limit := float64(total) * d.rules.SmallValueFraction
	found := -1
	for i, out := range tx.Outputs {
		if out.Address == "" || float64(out.Value) >= limit {
			continue
		}
		if found != -1 {
			return 0, false
		}
		found = i
	}
	return found, found != -1
}

// clusterMatch finds the single output that reuses an input address or shares its cluster
func clusterMatch(tx *entity.RawTransaction, clusters ClusterView) (int, bool) {
	inputs := tx.InputAddresses()
	found := -1
	for i, out := range tx.Outputs {
		if out.Address == "" || !relatedToInputs(out.Address, inputs, clusters) {
			continue
		}
		if found != -1 {
			return 0, false
		}
		found = i
	}
	return found, found != -1
}

func relatedToInputs(address string, inputs []string, clusters ClusterView) bool {
	for _, in := range inputs {
		if in == address {
			return true
		}
		if clusters != nil && clusters.Connected(in, address) {
			return true
		}
	}
	return false
}

// scriptTypeMatch finds the single output whose script type equals the inputs' common type
func scriptTypeMatch(tx *entity.RawTransaction) (int, bool) {
	inputType := ScriptUnknown
	for i, in := range tx.Inputs {
		st := ScriptTypeOf(in.Address)
		if st == ScriptUnknown {
			return 0, false
		}
		if i == 0 {
			inputType = st
			continue
		}
		if st != inputType {
			return 0, false
		}
	}

	found := -1
	for i, out := range tx.Outputs {
		if ScriptTypeOf(out.Address) != inputType {
			continue
		}
		if found != -1 {
			return 0, false
		}
		found = i
	}
	return found, found != -1
}

// Roundness counts the trailing decimal zeros of a satoshi amount, capped at 8 (one whole BTC)
func Roundness(value entity.Satoshi) int {
	if value <= 0 {
		return 8
	}
	n := 0
	for n < 8 && value%10 == 0 {
		value /= 10
		n++
	}
	return n
}

// ScriptTypeOf infers the script family from the address encoding
func ScriptTypeOf(address string) ScriptType {
	if address == "" {
		return ScriptUnknown
	}
	lower := strings.ToLower(address)
	for _, hrp := range []string{"bc1", "tb1", "bcrt1"} {
		if !strings.HasPrefix(lower, hrp) {
			continue
		}
		program := lower[len(hrp):]
		switch {
		case strings.HasPrefix(program, "p"):
			return ScriptP2TR
		case strings.HasPrefix(program, "q") && len(lower) == len(hrp)+39:
			return ScriptP2WPKH
		case strings.HasPrefix(program, "q") && len(lower) == len(hrp)+59:
			return ScriptP2WSH
		default:
			return ScriptUnknown
		}
	}

	switch address[0] {
	case '1', 'm', 'n':
		return ScriptP2PKH
	case '3', '2':
		return ScriptP2SH
	default:
		return ScriptUnknown
	}
}
