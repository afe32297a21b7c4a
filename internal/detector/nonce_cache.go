package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gocache "github.com/patrickmn/go-cache"

	"github.com/misswatch/misswatch/internal/nodeclient"
)

const (
	nonceCacheExpiry  = 2 * time.Minute
	nonceCacheCleanup = 5 * time.Minute
)

// NonceSource looks up an account nonce at the state of a specific execution
// block.
type NonceSource interface {
	FetchNonce(ctx context.Context, account common.Address, blockHash common.Hash) (uint64, error)
}

// NonceCache memoises end-of-block nonces for the execution block currently
// under analysis. Applying a head advances cached entries for senders it
// included; a reorg flushes everything.
type NonceCache struct {
	source NonceSource
	signer types.Signer
	logger *slog.Logger

	nonces    *gocache.Cache
	blockRoot common.Hash
	execHash  common.Hash
}

func NewNonceCache(source NonceSource, signer types.Signer, logger *slog.Logger) *NonceCache {
	return &NonceCache{
		source: source,
		signer: signer,
		logger: logger.With(slog.String("module", "nonce-cache")),
		nonces: gocache.New(nonceCacheExpiry, nonceCacheCleanup),
	}
}

// ApplyBlock moves the cache to the given head. If the head does not build on
// the previously applied block the cache is flushed; otherwise entries for
// senders with included transactions advance to nonce+1.
func (c *NonceCache) ApplyBlock(head *nodeclient.Head) {
	if head.ParentRoot != c.blockRoot {
		if c.blockRoot != (common.Hash{}) {
			c.logger.Info("flushing nonce cache, head does not extend applied block",
				slog.String("applied", c.blockRoot.Hex()), slog.String("head", head.Root.Hex()))
		}
		c.nonces.Flush()
	} else {
		for _, tx := range head.Transactions {
			sender, err := types.Sender(c.signer, tx)
			if err != nil {
				continue
			}
			key := sender.Hex()
			if _, found := c.nonces.Get(key); found {
				c.nonces.Set(key, tx.Nonce()+1, gocache.DefaultExpiration)
			}
		}
	}
	c.blockRoot = head.Root
	c.execHash = head.ExecutionBlockHash
}

// Get returns the account nonce at the state of the given execution block,
// fetching through the source on a cache miss. Lookups for a block other than
// the applied one bypass the cache.
func (c *NonceCache) Get(ctx context.Context, account common.Address, execBlockHash common.Hash) (uint64, error) {
	if execBlockHash != c.execHash {
		return c.source.FetchNonce(ctx, account, execBlockHash)
	}

	key := account.Hex()
	if cached, found := c.nonces.Get(key); found {
		return cached.(uint64), nil
	}

	nonce, err := c.source.FetchNonce(ctx, account, execBlockHash)
	if err != nil {
		return 0, err
	}
	c.nonces.Set(key, nonce, gocache.DefaultExpiration)
	return nonce, nil
}

// Flush drops all cached nonces; called on tracker resets.
func (c *NonceCache) Flush() {
	c.nonces.Flush()
	c.blockRoot = common.Hash{}
	c.execHash = common.Hash{}
}
