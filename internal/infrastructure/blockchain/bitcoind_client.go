package blockchain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"whale-flow-analyzer/internal/domain/entity"
	"whale-flow-analyzer/internal/infrastructure/config"
	"whale-flow-analyzer/internal/infrastructure/logger"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// bitcoind RPC error codes that are worth retrying
const (
	rpcErrInWarmup      = -28
	rpcErrClientInIBD   = -10
	rpcErrClientNotConn = -9
)

// BitcoindClient is the last-resort tier talking JSON-RPC to a full node. Input prevouts are
// resolved with getrawtransaction, so the node needs txindex=1 for arbitrary transactions.
type BitcoindClient struct {
	name    string
	client  *resty.Client
	limiter *rate.Limiter
	logger  *logger.Logger
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcScriptPubKey struct {
	Address   string   `json:"address"`
	Addresses []string `json:"addresses"` // pre-22.0 nodes
}

type rpcVout struct {
	Value        decimal.Decimal `json:"value"`
	N            uint32          `json:"n"`
	ScriptPubKey rpcScriptPubKey `json:"scriptPubKey"`
}

type rpcVin struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Coinbase string `json:"coinbase"`
}

type rpcTx struct {
	TxID      string    `json:"txid"`
	Vin       []rpcVin  `json:"vin"`
	Vout      []rpcVout `json:"vout"`
	BlockHash string    `json:"blockhash"`
	BlockTime int64     `json:"blocktime"`
}

type rpcBlock struct {
	Hash   string   `json:"hash"`
	Height int64    `json:"height"`
	Time   int64    `json:"time"`
	Tx     []string `json:"tx"`
}

// NewBitcoindClient creates the node RPC tier
func NewBitcoindClient(cfg config.RPCConfig, timeout time.Duration, log *logger.Logger) *BitcoindClient {
	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.Username != "" {
		client.SetBasicAuth(cfg.Username, cfg.Password)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &BitcoindClient{
		name:    "bitcoind",
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  log.WithComponent("bitcoind"),
	}
}

// Name returns the tier name
func (c *BitcoindClient) Name() string {
	return c.name
}

// ResolveBlock lists the txids of a block or of the node's mempool
func (c *BitcoindClient) ResolveBlock(ctx context.Context, blockID string) (*BlockRef, error) {
	sel, err := parseBlockID(blockID)
	if err != nil {
		return nil, err
	}

	if sel.mempool {
		var txids []string
		if err := c.call(ctx, "getrawmempool", []interface{}{false}, &txids); err != nil {
			return nil, err
		}
		return &BlockRef{ID: blockID, Mempool: true, Height: -1, TxIDs: txids}, nil
	}

	hash := sel.hash
	if hash == "" {
		if err := c.call(ctx, "getblockhash", []interface{}{sel.height}, &hash); err != nil {
			return nil, err
		}
	}

	var block rpcBlock
	if err := c.call(ctx, "getblock", []interface{}{hash, 1}, &block); err != nil {
		return nil, err
	}

	c.logger.Debug("Resolved block",
		zap.String("hash", block.Hash),
		zap.Int64("height", block.Height),
		zap.Int("txs", len(block.Tx)))

	return &BlockRef{
		ID:     blockID,
		Hash:   block.Hash,
		Height: block.Height,
		Time:   time.Unix(block.Time, 0).UTC(),
		TxIDs:  block.Tx,
	}, nil
}

// Transaction fetches one transaction and the previous outputs its inputs spend
func (c *BitcoindClient) Transaction(ctx context.Context, txID string) (*entity.RawTransaction, error) {
	raw, err := c.rawTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	tx := &entity.RawTransaction{
		TxID: raw.TxID,
		Status: entity.ConfirmationStatus{
			Confirmed: raw.BlockHash != "",
			BlockHash: raw.BlockHash,
		},
		Source: c.name,
	}
	if raw.BlockHash != "" && raw.BlockTime > 0 {
		tx.ObservedAt = time.Unix(raw.BlockTime, 0).UTC()
	}

	parents := make(map[string]*rpcTx)
	for i, in := range raw.Vin {
		if in.Coinbase != "" {
			tx.Coinbase = true
			continue
		}
		parent, ok := parents[in.TxID]
		if !ok {
			parent, err = c.rawTransaction(ctx, in.TxID)
			if err != nil {
				return nil, fmt.Errorf("prevout of input %d: %w", i, err)
			}
			parents[in.TxID] = parent
		}
		if int(in.Vout) >= len(parent.Vout) {
			return nil, entity.NewMalformedError(txID, "%s: input %d spends missing output %s:%d", c.name, i, in.TxID, in.Vout)
		}
		prev := parent.Vout[in.Vout]
		tx.Inputs = append(tx.Inputs, entity.TxInput{
			Address: prev.ScriptPubKey.address(),
			Value:   entity.SatoshiFromDecimal(prev.Value),
		})
	}
	for _, out := range raw.Vout {
		tx.Outputs = append(tx.Outputs, entity.TxOutput{
			Address: out.ScriptPubKey.address(),
			Value:   entity.SatoshiFromDecimal(out.Value),
		})
	}
	return tx, nil
}

// TipHeight returns the node's block count
func (c *BitcoindClient) TipHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := c.call(ctx, "getblockcount", []interface{}{}, &height); err != nil {
		return 0, err
	}
	return height, nil
}

func (c *BitcoindClient) rawTransaction(ctx context.Context, txID string) (*rpcTx, error) {
	var raw rpcTx
	if err := c.call(ctx, "getrawtransaction", []interface{}{txID, true}, &raw); err != nil {
		return nil, err
	}
	if raw.TxID == "" {
		return nil, entity.NewMalformedError(txID, "%s: missing txid", c.name)
	}
	return &raw, nil
}

func (c *BitcoindClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body := map[string]interface{}{
		"jsonrpc": "1.0",
		"id":      "whaleflow",
		"method":  method,
		"params":  params,
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("")
	if err != nil {
		return classifyResponse(ctx, c.name, method, resp, err)
	}

	// bitcoind reports RPC errors with a 4xx/5xx status and a JSON body
	var rpcResp rpcResponse
	if decodeErr := json.Unmarshal(resp.Body(), &rpcResp); decodeErr != nil {
		if err := classifyResponse(ctx, c.name, method, resp, nil); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s %s: decode: %v", entity.ErrTransientFetch, c.name, method, decodeErr)
	}
	if rpcResp.Error != nil {
		class := entity.ErrPermanentFetch
		switch rpcResp.Error.Code {
		case rpcErrInWarmup, rpcErrClientInIBD, rpcErrClientNotConn:
			class = entity.ErrTransientFetch
		}
		return fmt.Errorf("%w: %s %s: rpc error %d: %s", class, c.name, method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if err := classifyResponse(ctx, c.name, method, resp, nil); err != nil {
		return err
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("%w: %s %s: decode result: %v", entity.ErrPermanentFetch, c.name, method, err)
	}
	return nil
}

func (s rpcScriptPubKey) address() string {
	if s.Address != "" {
		return s.Address
	}
	if len(s.Addresses) == 1 {
		return s.Addresses[0]
	}
	return ""
}
