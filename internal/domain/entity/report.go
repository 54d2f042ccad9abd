package entity

import (
	"time"
)

// WhaleTransaction is a classified transaction above the whale threshold
type WhaleTransaction struct {
	TxID   string    `json:"txid"`
	Label  FlowLabel `json:"label"`
	Amount Satoshi   `json:"amount"`
}

// BlockReport is the structured result of analyzing one block or mempool snapshot
type BlockReport struct {
	RunID             string             `json:"run_id"`
	BlockID           string             `json:"block_id"`
	BlockHash         string             `json:"block_hash,omitempty"`
	GeneratedAt       time.Time          `json:"generated_at"`
	Coverage          float64            `json:"coverage"`
	Fetch             *FetchResult       `json:"fetch"`
	LabelCounts       map[string]int64   `json:"label_counts"`
	CoinJoins         map[string]int64   `json:"coinjoins"`
	ChangeDetected    int64              `json:"change_detected"`
	LateTransactions  int64              `json:"late_transactions"` // carried past a closed window of at least one width
	Inflow            Satoshi            `json:"inflow"`
	Outflow           Satoshi            `json:"outflow"`
	Net               Satoshi            `json:"net"`
	Metrics           []*NetFlowMetric   `json:"metrics"`
	Decision          *FusionDecision    `json:"decision"`
	Clusters          ResolverStats      `json:"clusters"`
	WhaleTransactions []WhaleTransaction `json:"whale_transactions,omitempty"`
}
