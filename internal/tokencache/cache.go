// Package tokencache caches per-contract token metadata (symbol, decimals)
// so repeated transfers from the same token cost one metadata lookup per
// run instead of two RPC calls per transfer.
//
// On-chain metadata is immutable once observed, so concurrent writes to the
// same key may land in either order; both values are equally valid.
package tokencache

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Metadata is the cached view of an ERC-20 token.
type Metadata struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// Cache stores token metadata keyed by contract address.
type Cache interface {
	Get(ctx context.Context, addr common.Address) (Metadata, bool, error)
	Put(ctx context.Context, addr common.Address, meta Metadata) error
	Close() error
}

// Memory is the default in-process cache.
type Memory struct {
	mu sync.RWMutex
	m  map[common.Address]Metadata
}

func NewMemory() *Memory {
	return &Memory{m: map[common.Address]Metadata{}}
}

func (c *Memory) Get(_ context.Context, addr common.Address) (Metadata, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.m[addr]
	return meta, ok, nil
}

func (c *Memory) Put(_ context.Context, addr common.Address, meta Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[addr] = meta
	return nil
}

func (c *Memory) Close() error { return nil }

var _ Cache = (*Memory)(nil)

func cacheKey(addr common.Address) string {
	return "evm-track:token:" + strings.ToLower(addr.Hex())
}
