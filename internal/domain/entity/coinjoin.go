package entity

// CoinJoinVariant is the inferred protocol family of a privacy-pooling transaction
type CoinJoinVariant string

const (
	CoinJoinVariantNone               CoinJoinVariant = "NONE"
	CoinJoinVariantGenericEqualOutput CoinJoinVariant = "GENERIC_EQUAL_OUTPUT" // many equal outputs, many inputs
	CoinJoinVariantFixedDenomination  CoinJoinVariant = "FIXED_DENOMINATION"   // pool denominations (Whirlpool style)
	CoinJoinVariantCoordinator        CoinJoinVariant = "COORDINATOR_PATTERN"  // very large coordinated rounds (Wasabi style)
)

// CoinJoinEvidence is one heuristic that contributed to a CoinJoin score
type CoinJoinEvidence struct {
	Heuristic string  `json:"heuristic"`
	Detail    string  `json:"detail"`
	Score     float64 `json:"score"`
}

// CoinJoinResult is the outcome of scoring one transaction
type CoinJoinResult struct {
	TxID       string             `json:"txid"`
	Verdict    bool               `json:"verdict"`
	Confidence float64            `json:"confidence"` // 0.0 - 1.0
	Variant    CoinJoinVariant    `json:"variant"`
	Evidence   []CoinJoinEvidence `json:"evidence,omitempty"`
}

// CoinJoinRecord is the persisted cache record of a CoinJoin verdict
type CoinJoinRecord struct {
	TxID       string          `json:"txid"`
	Verdict    bool            `json:"verdict"`
	Confidence float64         `json:"confidence"`
	Variant    CoinJoinVariant `json:"variant"`
}

// Record returns the persisted shape of the result
func (r *CoinJoinResult) Record() CoinJoinRecord {
	return CoinJoinRecord{
		TxID:       r.TxID,
		Verdict:    r.Verdict,
		Confidence: r.Confidence,
		Variant:    r.Variant,
	}
}
