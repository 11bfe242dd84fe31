// Package chain wraps the node RPC connection. Every remote call goes
// through the shared throttle before touching the wire; subscriptions
// require the WebSocket endpoint and report ErrSubscriptionsUnsupported
// when only HTTP is configured.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/throttle"
)

// ErrSubscriptionsUnsupported signals that no WebSocket endpoint is
// available, so the caller must fall back to polling.
var ErrSubscriptionsUnsupported = errors.New("subscriptions require a websocket endpoint")

var errNotConnected = errors.New("not connected")

// Client is the throttled node connection shared by all streams and actions.
type Client struct {
	cfg      config.RPCConfig
	throttle *throttle.Throttle
	logger   *slog.Logger

	mu      sync.RWMutex
	httpRPC *rpc.Client
	http    *ethclient.Client
	wsRPC   *rpc.Client
	ws      *ethclient.Client
	geth    *gethclient.Client
}

// NewClient builds an unconnected client. th must not be nil: rate limiting
// is an explicit dependency of every call site.
func NewClient(cfg config.RPCConfig, th *throttle.Throttle, logger *slog.Logger) *Client {
	return &Client{
		cfg:      cfg,
		throttle: th,
		logger:   logger.With("component", "chain-client"),
	}
}

// Connect dials the configured endpoints, retrying up to cfg.MaxRetries.
// The HTTP endpoint serves queries; the WebSocket endpoint, when present,
// serves subscriptions (and queries if no HTTP endpoint exists).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("connecting to node", "url", c.cfg.URL, "ws_url", c.cfg.WSURL)

	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("retrying connection", "attempt", attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}

		if err = c.dialLocked(ctx); err != nil {
			c.logger.Warn("connection failed", "error", err, "attempt", attempt)
			continue
		}

		c.logger.Info("connected")
		return nil
	}
	return fmt.Errorf("connect after %d attempts: %w", c.cfg.MaxRetries, err)
}

func (c *Client) dialLocked(ctx context.Context) error {
	c.closeLocked()

	if c.cfg.URL != "" {
		rc, err := rpc.DialContext(ctx, c.cfg.URL)
		if err != nil {
			return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
		}
		c.httpRPC = rc
		c.http = ethclient.NewClient(rc)
	}
	if c.cfg.WSURL != "" {
		rc, err := rpc.DialContext(ctx, c.cfg.WSURL)
		if err != nil {
			c.closeLocked()
			return fmt.Errorf("dial %s: %w", c.cfg.WSURL, err)
		}
		c.wsRPC = rc
		c.ws = ethclient.NewClient(rc)
		c.geth = gethclient.New(rc)
	}

	// Liveness check on whichever endpoint is primary.
	qc := c.http
	if qc == nil {
		qc = c.ws
	}
	if _, err := qc.ChainID(ctx); err != nil {
		c.closeLocked()
		return fmt.Errorf("chain id check: %w", err)
	}
	return nil
}

// Reconnect tears down and re-dials both endpoints. Used by the tracker
// after a mid-stream disconnect.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialLocked(ctx)
}

// Close releases both connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.http != nil {
		c.http.Close()
		c.http, c.httpRPC = nil, nil
	}
	if c.ws != nil {
		c.ws.Close()
		c.ws, c.wsRPC, c.geth = nil, nil, nil
	}
}

// query returns the client used for lookups: HTTP when available, else WS.
func (c *Client) query() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.http != nil {
		return c.http, nil
	}
	if c.ws != nil {
		return c.ws, nil
	}
	return nil, errNotConnected
}

func (c *Client) sub() (*ethclient.Client, *gethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ws == nil {
		return nil, nil, ErrSubscriptionsUnsupported
	}
	return c.ws, c.geth, nil
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// ChainID returns the node's chain identifier.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	client, err := c.query()
	if err != nil {
		return nil, err
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return client.ChainID(ctx)
}

// BlockNumber returns the current head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	client, err := c.query()
	if err != nil {
		return 0, err
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return client.BlockNumber(ctx)
}

// HeaderByNumber fetches a block header; nil means latest.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	client, err := c.query()
	if err != nil {
		return nil, err
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return client.HeaderByNumber(ctx, number)
}

// BlockByNumber fetches a full block with transactions.
func (c *Client) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	client, err := c.query()
	if err != nil {
		return nil, err
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return client.BlockByNumber(ctx, number)
}

// FilterLogs runs a ranged log query.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	client, err := c.query()
	if err != nil {
		return nil, err
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return client.FilterLogs(ctx, q)
}

// TransactionByHash looks up a transaction.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	client, err := c.query()
	if err != nil {
		return nil, false, err
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, false, err
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return client.TransactionByHash(ctx, hash)
}

// TransactionReceipt looks up a receipt.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	client, err := c.query()
	if err != nil {
		return nil, err
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return client.TransactionReceipt(ctx, hash)
}

// CodeAt fetches deployed bytecode.
func (c *Client) CodeAt(ctx context.Context, addr common.Address, number *big.Int) ([]byte, error) {
	client, err := c.query()
	if err != nil {
		return nil, err
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return client.CodeAt(ctx, addr, number)
}

// StorageAt reads one storage slot.
func (c *Client) StorageAt(ctx context.Context, addr common.Address, slot common.Hash, number *big.Int) ([]byte, error) {
	client, err := c.query()
	if err != nil {
		return nil, err
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return client.StorageAt(ctx, addr, slot, number)
}

// CallContract performs a read-only call at the latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	client, err := c.query()
	if err != nil {
		return nil, err
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return client.CallContract(ctx, msg, nil)
}

// SubscribeFilterLogs opens a live log subscription.
func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	client, _, err := c.sub()
	if err != nil {
		return nil, err
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, err
	}
	return client.SubscribeFilterLogs(ctx, q, ch)
}

// SubscribeNewHead opens a live header subscription.
func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	client, _, err := c.sub()
	if err != nil {
		return nil, err
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, err
	}
	return client.SubscribeNewHead(ctx, ch)
}

// SubscribeFullPendingTransactions streams full pending transaction bodies.
func (c *Client) SubscribeFullPendingTransactions(ctx context.Context, ch chan<- *types.Transaction) (ethereum.Subscription, error) {
	_, geth, err := c.sub()
	if err != nil {
		return nil, err
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, err
	}
	return geth.SubscribeFullPendingTransactions(ctx, ch)
}

// SubscribePendingTransactions streams pending transaction hashes only.
func (c *Client) SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	_, geth, err := c.sub()
	if err != nil {
		return nil, err
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, err
	}
	return geth.SubscribePendingTransactions(ctx, ch)
}
