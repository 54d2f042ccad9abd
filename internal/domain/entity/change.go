package entity

// ChangeReason names the heuristic that flagged a change output
type ChangeReason string

const (
	ChangeReasonNone            ChangeReason = "NONE"
	ChangeReasonOddFraction     ChangeReason = "ODD_FRACTION"      // long non-round satoshi tail
	ChangeReasonSmallValue      ChangeReason = "SMALL_VALUE"       // tiny share of total output
	ChangeReasonClusterMatch    ChangeReason = "CLUSTER_MATCH"     // address reused or clustered with an input
	ChangeReasonScriptTypeMatch ChangeReason = "SCRIPT_TYPE_MATCH" // only output sharing the inputs' script type
)

// NoChange is the output index reported when no change output was identified
const NoChange = -1

// ChangeDetectionResult is advisory: it only refines amounts, never rejects a transaction
type ChangeDetectionResult struct {
	TxID        string       `json:"txid"`
	OutputIndex int          `json:"output_index"`
	Reason      ChangeReason `json:"reason"`
}

// Found reports whether a change output was identified
func (r *ChangeDetectionResult) Found() bool {
	return r != nil && r.OutputIndex != NoChange
}
