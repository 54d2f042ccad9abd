package blockchain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"whale-flow-analyzer/internal/domain/entity"

	"github.com/go-resty/resty/v2"
)

// MempoolBlockID selects a mempool snapshot instead of a confirmed block
const MempoolBlockID = "mempool"

var blockHashPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// BlockRef is a resolved block or mempool snapshot
type BlockRef struct {
	ID      string
	Hash    string
	Height  int64
	Time    time.Time
	Mempool bool
	TxIDs   []string
}

// TransactionSource is one upstream tier of the ingestion gateway
type TransactionSource interface {
	// Name identifies the tier in logs, metrics and FetchResult.ResolvedByTier
	Name() string

	// ResolveBlock lists the txids of a block (height or hash) or of the mempool
	ResolveBlock(ctx context.Context, blockID string) (*BlockRef, error)

	// Transaction fetches one transaction with the previous outputs of its inputs
	Transaction(ctx context.Context, txID string) (*entity.RawTransaction, error)

	// TipHeight returns the height of the best chain tip
	TipHeight(ctx context.Context) (int64, error)
}

// blockSelector is a parsed block identifier
type blockSelector struct {
	mempool bool
	hash    string
	height  int64
}

func parseBlockID(blockID string) (blockSelector, error) {
	id := strings.TrimSpace(blockID)
	switch {
	case strings.EqualFold(id, MempoolBlockID):
		return blockSelector{mempool: true}, nil
	case blockHashPattern.MatchString(id):
		return blockSelector{hash: strings.ToLower(id), height: -1}, nil
	}
	height, err := strconv.ParseInt(id, 10, 64)
	if err != nil || height < 0 {
		return blockSelector{}, fmt.Errorf("%w: invalid block identifier %q", entity.ErrPermanentFetch, blockID)
	}
	return blockSelector{height: height}, nil
}

// classifyResponse maps a resty outcome onto the fetch error classes. Only the caller's own
// context ending is returned as is; the per-request client timeout is a transient failure.
func classifyResponse(ctx context.Context, tier, what string, resp *resty.Response, err error) error {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", tier, what, ctxErr)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %s %s: timeout: %v", entity.ErrTransientFetch, tier, what, err)
		}
		return fmt.Errorf("%w: %s %s: %v", entity.ErrTransientFetch, tier, what, err)
	}
	if resp == nil {
		return fmt.Errorf("%w: %s %s: empty response", entity.ErrTransientFetch, tier, what)
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %s %s: status %d", entity.ErrTransientFetch, tier, what, status)
	case status >= 400:
		return fmt.Errorf("%w: %s %s: status %d", entity.ErrPermanentFetch, tier, what, status)
	}
	return nil
}
