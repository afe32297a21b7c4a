package nodeclient

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const requestTimeoutDefault = 10 * time.Second

var ErrNoHTTPEndpoint = errors.New("operation requires an HTTP endpoint")

// ExecutionClient adapts one execution-layer node. The main node is
// constructed with both an HTTP and a WS endpoint and supports the full
// capability set; secondaries carry a WS endpoint only and are limited to the
// pending-hash subscription and the sync check.
type ExecutionClient struct {
	id      int
	name    string
	httpURL string
	wsURL   string

	eth     *ethclient.Client // nil for secondaries
	rpcHTTP *rpc.Client       // nil for secondaries

	logger         *slog.Logger
	requestTimeout time.Duration
}

func WithRequestTimeout(d time.Duration) func(*ExecutionClient) {
	return func(c *ExecutionClient) {
		c.requestTimeout = d
	}
}

// NewExecutionClient connects the HTTP side of a main node adapter. The WS
// side is dialled lazily by SubscribePendingHashes so a flapping websocket
// does not prevent startup.
func NewExecutionClient(id int, name, httpURL, wsURL string, logger *slog.Logger, opts ...func(*ExecutionClient)) (*ExecutionClient, error) {
	c := &ExecutionClient{
		id:             id,
		name:           name,
		httpURL:        httpURL,
		wsURL:          wsURL,
		logger:         logger.With(slog.String("module", "node-client"), slog.String("node", name)),
		requestTimeout: requestTimeoutDefault,
	}
	for _, opt := range opts {
		opt(c)
	}

	if httpURL != "" {
		rpcClient, err := rpc.Dial(httpURL)
		if err != nil {
			return nil, classify(err)
		}
		c.rpcHTTP = rpcClient
		c.eth = ethclient.NewClient(rpcClient)
	}

	return c, nil
}

// NewSecondaryClient builds a WS-only adapter contributing pending-hash
// observations.
func NewSecondaryClient(id int, name, wsURL string, logger *slog.Logger, opts ...func(*ExecutionClient)) *ExecutionClient {
	c := &ExecutionClient{
		id:             id,
		name:           name,
		wsURL:          wsURL,
		logger:         logger.With(slog.String("module", "node-client"), slog.String("node", name)),
		requestTimeout: requestTimeoutDefault,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ExecutionClient) ID() int      { return c.id }
func (c *ExecutionClient) Name() string { return c.name }

// SubscribePendingHashes streams pending transaction hashes into out until
// ctx is cancelled. Dropped connections are re-established with exponential
// backoff (1s base, 60s cap, 20% jitter). The delay is not reset after a
// healthy subscription: it keeps growing across drops until it reaches the cap.
func (c *ExecutionClient) SubscribePendingHashes(ctx context.Context, out chan<- PendingObservation) error {
	bo := newBackOff()

	for {
		err := c.streamPendingHashes(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		c.logger.Warn("pending subscription dropped, reconnecting",
			slog.String("err", err.Error()), slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *ExecutionClient) streamPendingHashes(ctx context.Context, out chan<- PendingObservation) error {
	wsClient, err := rpc.DialContext(ctx, c.wsURL)
	if err != nil {
		return classify(err)
	}
	defer wsClient.Close()

	hashes := make(chan common.Hash, 512)
	sub, err := gethclient.New(wsClient).SubscribePendingTransactions(ctx, hashes)
	if err != nil {
		return classify(err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				return errors.Join(ErrTransport, errors.New("subscription closed"))
			}
			return classify(err)
		case hash := <-hashes:
			obs := PendingObservation{Node: c.id, Hash: hash, Timestamp: time.Now().UTC()}
			select {
			case out <- obs:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// txpoolResult mirrors the txpool_content response: account → nonce → tx.
type txpoolResult struct {
	Pending map[common.Address]map[string]*types.Transaction `json:"pending"`
	Queued  map[common.Address]map[string]*types.Transaction `json:"queued"`
}

// FetchPool captures the node's current pool content, pending and queued.
func (c *ExecutionClient) FetchPool(ctx context.Context) (*PoolContent, error) {
	if c.rpcHTTP == nil {
		return nil, ErrNoHTTPEndpoint
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var result txpoolResult
	err := c.rpcHTTP.CallContext(ctx, &result, "txpool_content")
	if err != nil {
		return nil, classify(err)
	}

	content := &PoolContent{CapturedAt: time.Now().UTC()}
	for _, byAccount := range []map[common.Address]map[string]*types.Transaction{result.Pending, result.Queued} {
		for sender, byNonce := range byAccount {
			for _, tx := range byNonce {
				if tx == nil {
					continue
				}
				content.Transactions = append(content.Transactions, PoolTransaction{Tx: tx, Sender: sender})
			}
		}
	}
	return content, nil
}

// FetchBlock looks up an execution block by hash.
func (c *ExecutionClient) FetchBlock(ctx context.Context, hash common.Hash) (*types.Block, error) {
	if c.eth == nil {
		return nil, ErrNoHTTPEndpoint
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	block, err := c.eth.BlockByHash(ctx, hash)
	if err != nil {
		return nil, classify(err)
	}
	return block, nil
}

// FetchTransaction looks up a transaction by hash, used to upgrade hash-only
// observations to full ones.
func (c *ExecutionClient) FetchTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	if c.eth == nil {
		return nil, ErrNoHTTPEndpoint
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	tx, _, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, classify(err)
	}
	return tx, nil
}

// FetchNonce returns the account nonce at the state of the given execution
// block.
func (c *ExecutionClient) FetchNonce(ctx context.Context, account common.Address, blockHash common.Hash) (uint64, error) {
	if c.rpcHTTP == nil {
		return 0, ErrNoHTTPEndpoint
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var nonce hexutil.Uint64
	err := c.rpcHTTP.CallContext(ctx, &nonce, "eth_getTransactionCount", account, rpc.BlockNumberOrHashWithHash(blockHash, false))
	if err != nil {
		return 0, classify(err)
	}
	return uint64(nonce), nil
}

// ChainID asks the node for its chain ID, used to build the signer for
// sender recovery.
func (c *ExecutionClient) ChainID(ctx context.Context) (*big.Int, error) {
	if c.eth == nil {
		return nil, ErrNoHTTPEndpoint
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return id, nil
}

// IsSynced reports whether the execution node has finished syncing. WS-only
// secondaries dial a short-lived connection for the check.
func (c *ExecutionClient) IsSynced(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	eth := c.eth
	if eth == nil {
		wsClient, err := rpc.DialContext(ctx, c.wsURL)
		if err != nil {
			return false, classify(err)
		}
		defer wsClient.Close()
		eth = ethclient.NewClient(wsClient)
	}

	progress, err := eth.SyncProgress(ctx)
	if err != nil {
		return false, classify(err)
	}
	return progress == nil, nil
}

func newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
