package tracker

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/lixiao1981/evm-track/internal/action"
	"github.com/lixiao1981/evm-track/internal/decode"
	"github.com/lixiao1981/evm-track/internal/sigdb"
)

// Config tunes every stream tracker. Values mirror the tracker section of
// the run configuration.
type Config struct {
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxRetries        int
	MaxBackfillBlocks uint64
	PollInterval      time.Duration
	StepBlocks        uint64

	// Addresses and Topics narrow the log filter; empty means everything.
	Addresses []common.Address
	Topics    [][]common.Hash
}

// Backend is the slice of the node client the trackers drive. Implemented
// by *chain.Client; faked in tests.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	SubscribeFullPendingTransactions(ctx context.Context, ch chan<- *types.Transaction) (ethereum.Subscription, error)
	SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error)
}

// sortLogs orders logs the way they were confirmed on chain: ascending
// block number, then transaction index, then log index.
func sortLogs(logs []types.Log) {
	sort.Slice(logs, func(i, j int) bool {
		a, b := &logs[i], &logs[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.Index < b.Index
	})
}

// pageRanges splits [from, to] into step-sized inclusive pages.
func pageRanges(from, to, step uint64) [][2]uint64 {
	if to < from || step == 0 {
		return nil
	}
	var pages [][2]uint64
	for start := from; start <= to; start += step {
		end := start + step - 1
		if end > to {
			end = to
		}
		pages = append(pages, [2]uint64{start, end})
	}
	return pages
}

// dispatchLogs decodes and dispatches a sorted batch of logs, returning the
// highest block number seen.
func dispatchLogs(ctx context.Context, logs []types.Log, events sigdb.Store, set *action.Set) uint64 {
	var highest uint64
	for i := range logs {
		lg := &logs[i]
		if lg.Removed {
			continue
		}
		set.HandleEvent(ctx, &action.EventRecord{
			Log: decode.DecodeLog(lg, events),
			Raw: lg,
		})
		if lg.BlockNumber > highest {
			highest = lg.BlockNumber
		}
	}
	return highest
}
