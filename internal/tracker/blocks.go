package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/lixiao1981/evm-track/internal/action"
	"github.com/lixiao1981/evm-track/internal/decode"
	"github.com/lixiao1981/evm-track/internal/sigdb"
)

// BlockTracker streams confirmed blocks: each block is dispatched, then its
// transactions in order, with contract creations surfaced separately.
// Header gaps detected while live are repaired through the same bounded
// backfill as a disconnect.
type BlockTracker struct {
	*machine
	backend Backend
	funcs   sigdb.Store
	set     *action.Set
	signer  types.Signer

	// FetchReceipts pulls the receipt for every transaction rather than
	// only for contract creations.
	FetchReceipts bool
}

// NewBlockTracker builds the block stream tracker.
func NewBlockTracker(cfg Config, backend Backend, funcs sigdb.Store, set *action.Set, logger *slog.Logger) *BlockTracker {
	return &BlockTracker{
		machine: newMachine(cfg, "blocks", logger),
		backend: backend,
		funcs:   funcs,
		set:     set,
	}
}

// OnDrop registers the observer for abandoned backfill ranges.
func (t *BlockTracker) OnDrop(fn func(DropEvent)) { t.onDrop = fn }

// OnState registers a state-transition observer.
func (t *BlockTracker) OnState(fn func(State)) { t.onState = fn }

// Run drives the state machine until ctx is cancelled or the retry bound
// is exhausted.
func (t *BlockTracker) Run(ctx context.Context) error {
	defer t.transition(StateStopped)

	chainID, err := t.backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	t.signer = types.LatestSignerForChainID(chainID)

	for {
		if ctx.Err() != nil {
			return nil
		}

		t.transition(StateSubscribing)
		ch := make(chan *types.Header, 64)
		sub, err := t.backend.SubscribeNewHead(ctx, ch)
		if err != nil {
			if isStructural(err) {
				t.logger.Warn("streaming unavailable, falling back to polling", "error", err)
				t.transition(StatePolling)
				return t.poll(ctx)
			}
			if werr := t.waitBackoff(ctx); werr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return werr
			}
			continue
		}
		// Retries reset only once the stream is fully recovered; a
		// persistently failing backfill stays on the backoff schedule
		// instead of hammering the node with resubscribes.
		if t.LastConfirmed() > 0 {
			t.transition(StateBackfilling)
			if err := t.backfill(ctx); err != nil {
				sub.Unsubscribe()
				if ctx.Err() != nil {
					return nil
				}
				t.logger.Warn("backfill failed", "error", err)
				t.transition(StateDisconnected)
				if werr := t.waitBackoff(ctx); werr != nil {
					if ctx.Err() != nil {
						return nil
					}
					return werr
				}
				continue
			}
		}
		t.resetRetries()

		t.transition(StateLive)
		err = t.live(ctx, sub, ch)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return nil
		}
		if isStructural(err) {
			t.logger.Warn("streaming broke structurally, falling back to polling", "error", err)
			t.transition(StatePolling)
			return t.poll(ctx)
		}
		t.logger.Warn("subscription lost", "error", err)
		t.transition(StateDisconnected)
	}
}

func (t *BlockTracker) live(ctx context.Context, sub ethereum.Subscription, ch <-chan *types.Header) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case header := <-ch:
			num := header.Number.Uint64()

			// A skipped header is a gap: repair it before the new head so
			// dispatch order stays ascending. The same window bound as a
			// reconnect backfill applies; a long node stall must not turn
			// into an unbounded fetch.
			if last := t.LastConfirmed(); last > 0 && num > last+1 {
				t.transition(StateBackfilling)
				if err := t.backfillGap(ctx, last+1, num-1); err != nil {
					return err
				}
				t.transition(StateLive)
			}

			if err := t.processNumber(ctx, num); err != nil {
				t.logger.Warn("block processing failed", "block", num, "error", err)
				continue
			}
			t.confirm(num)
		}
	}
}

func (t *BlockTracker) backfill(ctx context.Context) error {
	head, err := t.backend.BlockNumber(ctx)
	if err != nil {
		return err
	}
	from := t.LastConfirmed() + 1
	if head < from {
		return nil
	}
	return t.backfillGap(ctx, from, head)
}

// backfillGap fetches [from, to] bounded by the configured window. The
// portion of the gap older than the window is reported as dropped, never
// fetched.
func (t *BlockTracker) backfillGap(ctx context.Context, from, to uint64) error {
	if w := t.cfg.MaxBackfillBlocks; w > 0 && to-from+1 > w {
		t.reportDrop(from, to-w)
		from = to - w + 1
	}
	return t.backfillRange(ctx, from, to)
}

func (t *BlockTracker) backfillRange(ctx context.Context, from, to uint64) error {
	for num := from; num <= to; num++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := t.processNumber(ctx, num); err != nil {
			return err
		}
		t.confirm(num)
	}
	return nil
}

func (t *BlockTracker) processNumber(ctx context.Context, num uint64) error {
	block, err := t.backend.BlockByNumber(ctx, new(big.Int).SetUint64(num))
	if err != nil {
		return fmt.Errorf("fetch block %d: %w", num, err)
	}
	return processBlock(ctx, t.backend, t.funcs, t.set, t.signer, block, t.FetchReceipts, t.logger)
}

func (t *BlockTracker) poll(ctx context.Context) error {
	if t.LastConfirmed() == 0 {
		if head, err := t.backend.BlockNumber(ctx); err == nil && head > 0 {
			t.confirm(head)
		}
	}
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		head, err := t.backend.BlockNumber(ctx)
		if err != nil {
			t.logger.Warn("head poll failed", "error", err)
			continue
		}
		last := t.LastConfirmed()
		if head <= last {
			continue
		}
		if err := t.backfillRange(ctx, last+1, head); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warn("poll range failed", "error", err)
		}
	}
}

// processBlock dispatches one block and its transactions in confirmed
// order. Shared by the live tracker and the historical scanner.
func processBlock(ctx context.Context, backend Backend, funcs sigdb.Store, set *action.Set, signer types.Signer, block *types.Block, fetchReceipts bool, logger *slog.Logger) error {
	set.HandleBlock(ctx, &action.BlockRecord{Block: block})

	for _, tx := range block.Transactions() {
		from, err := types.Sender(signer, tx)
		if err != nil {
			logger.Debug("sender recovery failed", "tx", tx.Hash().Hex(), "error", err)
		}

		rec := &action.TxRecord{
			Tx:          tx,
			From:        from,
			Call:        decode.DecodeCall(tx.Data(), funcs),
			BlockNumber: block.NumberU64(),
		}

		isCreation := tx.To() == nil
		if fetchReceipts || isCreation {
			receipt, err := backend.TransactionReceipt(ctx, tx.Hash())
			if err != nil {
				logger.Debug("receipt fetch failed", "tx", tx.Hash().Hex(), "error", err)
			} else {
				rec.Receipt = receipt
			}
		}

		set.HandleTransaction(ctx, rec)

		if isCreation && rec.Receipt != nil {
			set.HandleContractCreation(ctx, &action.DeploymentRecord{
				Address:     rec.Receipt.ContractAddress,
				Deployer:    from,
				TxHash:      tx.Hash(),
				BlockNumber: block.NumberU64(),
			})
		}
	}
	return nil
}
