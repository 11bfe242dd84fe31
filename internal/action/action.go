// Package action defines the pluggable handlers decoded items are routed
// through, the registry that resolves a configured subset into a
// dependency-ordered list, and the dispatcher that drives that list with
// per-action failure isolation.
package action

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"log/slog"

	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/decode"
	"github.com/lixiao1981/evm-track/internal/output"
	"github.com/lixiao1981/evm-track/internal/sigdb"
	"github.com/lixiao1981/evm-track/internal/throttle"
	"github.com/lixiao1981/evm-track/internal/tokencache"
)

// EventRecord is one decoded log handed to actions.
type EventRecord struct {
	Log decode.Log
	Raw *types.Log
}

// TxRecord is one transaction (pending or mined) with its decoded input.
// Receipt is nil for pending transactions.
type TxRecord struct {
	Tx          *types.Transaction
	From        common.Address
	Call        decode.Call
	Receipt     *types.Receipt
	Pending     bool
	BlockNumber uint64
}

// BlockRecord is one confirmed block.
type BlockRecord struct {
	Block *types.Block
}

// DeploymentRecord describes a contract creation observed in a block.
type DeploymentRecord struct {
	Address     common.Address
	Deployer    common.Address
	TxHash      common.Hash
	BlockNumber uint64
}

// Action is the capability every handler variant implements. Handlers are
// stateful: instances live for the run and are closed at shutdown.
type Action interface {
	Name() string
	OnEvent(ctx context.Context, ev *EventRecord) error
	OnTransaction(ctx context.Context, tx *TxRecord) error
	OnBlock(ctx context.Context, blk *BlockRecord) error
	OnContractCreation(ctx context.Context, dep *DeploymentRecord) error
	Close() error
}

// BaseAction provides no-op handlers so concrete actions only implement the
// callbacks they care about.
type BaseAction struct {
	name string
}

func NewBaseAction(name string) BaseAction { return BaseAction{name: name} }

func (b BaseAction) Name() string                                        { return b.name }
func (b BaseAction) OnEvent(context.Context, *EventRecord) error         { return nil }
func (b BaseAction) OnTransaction(context.Context, *TxRecord) error      { return nil }
func (b BaseAction) OnBlock(context.Context, *BlockRecord) error         { return nil }
func (b BaseAction) OnContractCreation(context.Context, *DeploymentRecord) error {
	return nil
}
func (b BaseAction) Close() error { return nil }

// ChainReader is the slice of the node client actions use for their own
// lookups. All methods honor the shared throttle.
type ChainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	CodeAt(ctx context.Context, addr common.Address, number *big.Int) ([]byte, error)
	StorageAt(ctx context.Context, addr common.Address, slot common.Hash, number *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Env carries the shared dependencies factories wire into action instances.
type Env struct {
	Logger     *slog.Logger
	Client     ChainReader
	Throttle   *throttle.Throttle
	Out        output.Sink
	TokenCache tokencache.Cache
	Funcs      sigdb.Store
}

// Factory builds one action instance from its configuration slice.
type Factory func(env Env, cfg config.ActionConfig) (Action, error)

// addressFilter precomputes an allow-list; empty means match everything.
type addressFilter map[common.Address]struct{}

func newAddressFilter(cfg config.ActionConfig) addressFilter {
	if len(cfg.Addresses) == 0 {
		return nil
	}
	f := make(addressFilter, len(cfg.Addresses))
	for addr := range cfg.Addresses {
		f[common.HexToAddress(addr)] = struct{}{}
	}
	return f
}

func (f addressFilter) match(addr common.Address) bool {
	if f == nil {
		return true
	}
	_, ok := f[addr]
	return ok
}
