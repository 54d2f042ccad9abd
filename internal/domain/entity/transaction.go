package entity

import (
	"time"
)

// TxInput is a spent previous output as seen by the spending transaction
type TxInput struct {
	Address string  `json:"address"` // address of the referenced previous output
	Value   Satoshi `json:"value"`   // value of the referenced previous output
}

// TxOutput is a newly created output
type TxOutput struct {
	Address string  `json:"address"` // empty for non-standard / OP_RETURN outputs
	Value   Satoshi `json:"value"`
}

// ConfirmationStatus tells whether a transaction is mined or still in the mempool
type ConfirmationStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
}

// RawTransaction represents a Bitcoin transaction fetched from an upstream source.
// It is treated as immutable once fetched.
type RawTransaction struct {
	TxID       string             `json:"txid"`
	Inputs     []TxInput          `json:"inputs"`
	Outputs    []TxOutput         `json:"outputs"`
	ObservedAt time.Time          `json:"observed_at"`
	Status     ConfirmationStatus `json:"status"`
	Coinbase   bool               `json:"coinbase"`
	Source     string             `json:"source"` // tier that resolved the transaction
}

// TotalInput returns the summed value of all inputs
func (tx *RawTransaction) TotalInput() Satoshi {
	var total Satoshi
	for _, in := range tx.Inputs {
		total += in.Value
	}
	return total
}

// TotalOutput returns the summed value of all outputs
func (tx *RawTransaction) TotalOutput() Satoshi {
	var total Satoshi
	for _, out := range tx.Outputs {
		total += out.Value
	}
	return total
}

// InputAddresses returns the distinct input addresses in first-seen order
func (tx *RawTransaction) InputAddresses() []string {
	seen := make(map[string]struct{}, len(tx.Inputs))
	addrs := make([]string, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if in.Address == "" {
			continue
		}
		if _, ok := seen[in.Address]; ok {
			continue
		}
		seen[in.Address] = struct{}{}
		addrs = append(addrs, in.Address)
	}
	return addrs
}

// Validate checks that the record carries every field the pipeline depends on. Inputs
// spending P2PK or bare multisig outputs have no address; they keep their value and are
// left out of clustering.
func (tx *RawTransaction) Validate() error {
	if tx.TxID == "" {
		return NewMalformedError(tx.TxID, "missing txid")
	}
	if len(tx.Outputs) == 0 {
		return NewMalformedError(tx.TxID, "no outputs")
	}
	if !tx.Coinbase && len(tx.Inputs) == 0 {
		return NewMalformedError(tx.TxID, "no inputs")
	}
	for i, in := range tx.Inputs {
		if in.Value < 0 {
			return NewMalformedError(tx.TxID, "input %d has negative value", i)
		}
	}
	for i, out := range tx.Outputs {
		if out.Value < 0 {
			return NewMalformedError(tx.TxID, "output %d has negative value", i)
		}
	}
	return nil
}

// FetchResult is the outcome of fetching every transaction of a block or mempool snapshot
type FetchResult struct {
	BlockID          string            `json:"block_id"`
	BlockHash        string            `json:"block_hash,omitempty"`
	Transactions     []*RawTransaction `json:"-"`
	Total            int               `json:"total"`
	Resolved         int               `json:"resolved"`
	Unresolved       []string          `json:"unresolved,omitempty"`
	Malformed        []string          `json:"malformed,omitempty"`
	ResolvedByTier   map[string]int    `json:"resolved_by_tier"`
	DeadlineExceeded bool              `json:"deadline_exceeded"`
}

// Coverage returns resolved/total in [0,1]. An empty block is fully covered.
func (r *FetchResult) Coverage() float64 {
	if r.Total == 0 {
		return 1
	}
	return float64(r.Resolved) / float64(r.Total)
}
