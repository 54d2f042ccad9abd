package blockchain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"whale-flow-analyzer/internal/domain/entity"
	"whale-flow-analyzer/internal/infrastructure/config"
	"whale-flow-analyzer/internal/infrastructure/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EsploraClient reads blocks and transactions from an Esplora-compatible REST API
// (mempool.space, blockstream.info, self-hosted electrs)
type EsploraClient struct {
	name    string
	client  *resty.Client
	limiter *rate.Limiter
	logger  *logger.Logger
}

type esploraPrevout struct {
	Address string `json:"scriptpubkey_address"`
	Value   int64  `json:"value"`
}

type esploraVin struct {
	TxID       string          `json:"txid"`
	Vout       uint32          `json:"vout"`
	Prevout    *esploraPrevout `json:"prevout"`
	IsCoinbase bool            `json:"is_coinbase"`
}

type esploraVout struct {
	Address string `json:"scriptpubkey_address"`
	Value   *int64 `json:"value"`
}

type esploraStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

type esploraTx struct {
	TxID   string        `json:"txid"`
	Vin    []esploraVin  `json:"vin"`
	Vout   []esploraVout `json:"vout"`
	Status esploraStatus `json:"status"`
}

type esploraBlock struct {
	ID        string `json:"id"`
	Height    int64  `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

// NewEsploraClient creates a client for one Esplora tier
func NewEsploraClient(cfg config.SourceConfig, timeout time.Duration, log *logger.Logger) *EsploraClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &EsploraClient{
		name:    cfg.Name,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  log.WithComponent("esplora").WithFields(map[string]interface{}{"tier": cfg.Name}),
	}
}

// Name returns the tier name
func (c *EsploraClient) Name() string {
	return c.name
}

// ResolveBlock lists the txids of a block or of the mempool
func (c *EsploraClient) ResolveBlock(ctx context.Context, blockID string) (*BlockRef, error) {
	sel, err := parseBlockID(blockID)
	if err != nil {
		return nil, err
	}

	if sel.mempool {
		var txids []string
		if err := c.getJSON(ctx, "/mempool/txids", &txids); err != nil {
			return nil, err
		}
		return &BlockRef{ID: blockID, Mempool: true, Height: -1, TxIDs: txids}, nil
	}

	hash := sel.hash
	if hash == "" {
		body, err := c.get(ctx, fmt.Sprintf("/block-height/%d", sel.height))
		if err != nil {
			return nil, err
		}
		hash = strings.TrimSpace(string(body))
		if !blockHashPattern.MatchString(hash) {
			return nil, fmt.Errorf("%w: %s: unexpected block hash %q", entity.ErrPermanentFetch, c.name, hash)
		}
	}

	var block esploraBlock
	if err := c.getJSON(ctx, "/block/"+hash, &block); err != nil {
		return nil, err
	}
	var txids []string
	if err := c.getJSON(ctx, "/block/"+hash+"/txids", &txids); err != nil {
		return nil, err
	}

	c.logger.Debug("Resolved block",
		zap.String("hash", hash),
		zap.Int64("height", block.Height),
		zap.Int("txs", len(txids)))

	return &BlockRef{
		ID:     blockID,
		Hash:   hash,
		Height: block.Height,
		Time:   time.Unix(block.Timestamp, 0).UTC(),
		TxIDs:  txids,
	}, nil
}

// Transaction fetches one transaction. Esplora embeds prevouts, so one request suffices.
func (c *EsploraClient) Transaction(ctx context.Context, txID string) (*entity.RawTransaction, error) {
	body, err := c.get(ctx, "/tx/"+txID)
	if err != nil {
		return nil, err
	}

	var raw esploraTx
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, entity.NewMalformedError(txID, "%s: decode: %v", c.name, err)
	}
	return raw.toEntity(txID, c.name)
}

// TipHeight returns the best chain height
func (c *EsploraClient) TipHeight(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: tip height %q", entity.ErrTransientFetch, c.name, string(body))
	}
	return height, nil
}

func (c *EsploraClient) get(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		Get(path)
	if err := classifyResponse(ctx, c.name, path, resp, err); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

func (c *EsploraClient) getJSON(ctx context.Context, path string, out interface{}) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s %s: decode: %v", entity.ErrPermanentFetch, c.name, path, err)
	}
	return nil
}

func (raw *esploraTx) toEntity(txID, source string) (*entity.RawTransaction, error) {
	if raw.TxID == "" {
		return nil, entity.NewMalformedError(txID, "%s: missing txid", source)
	}
	if !strings.EqualFold(raw.TxID, txID) {
		return nil, entity.NewMalformedError(txID, "%s: response for %s", source, raw.TxID)
	}

	tx := &entity.RawTransaction{
		TxID: raw.TxID,
		Status: entity.ConfirmationStatus{
			Confirmed:   raw.Status.Confirmed,
			BlockHeight: raw.Status.BlockHeight,
			BlockHash:   raw.Status.BlockHash,
		},
		Source: source,
	}
	if raw.Status.Confirmed && raw.Status.BlockTime > 0 {
		tx.ObservedAt = time.Unix(raw.Status.BlockTime, 0).UTC()
	}

	for i, in := range raw.Vin {
		if in.IsCoinbase {
			tx.Coinbase = true
			continue
		}
		if in.Prevout == nil {
			return nil, entity.NewMalformedError(txID, "%s: input %d has no prevout", source, i)
		}
		tx.Inputs = append(tx.Inputs, entity.TxInput{
			Address: in.Prevout.Address,
			Value:   entity.Satoshi(in.Prevout.Value),
		})
	}
	for i, out := range raw.Vout {
		if out.Value == nil {
			return nil, entity.NewMalformedError(txID, "%s: output %d has no value", source, i)
		}
		tx.Outputs = append(tx.Outputs, entity.TxOutput{
			Address: out.Address,
			Value:   entity.Satoshi(*out.Value),
		})
	}
	return tx, nil
}
