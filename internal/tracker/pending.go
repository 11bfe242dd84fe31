package tracker

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/lixiao1981/evm-track/internal/action"
	"github.com/lixiao1981/evm-track/internal/decode"
	"github.com/lixiao1981/evm-track/internal/sigdb"
)

// PendingTracker streams mempool transactions. The mempool has no history,
// so a disconnect resubscribes without backfill. There is no polling
// fallback either since pending notifications only exist over streaming
// transports, so a structural failure stops the stream.
type PendingTracker struct {
	*machine
	backend Backend
	funcs   sigdb.Store
	set     *action.Set

	// HashesOnly subscribes to transaction hashes and resolves each body
	// with a lookup, for nodes without the full-transaction subscription.
	HashesOnly bool
}

// NewPendingTracker builds the mempool stream tracker.
func NewPendingTracker(cfg Config, backend Backend, funcs sigdb.Store, set *action.Set, logger *slog.Logger) *PendingTracker {
	return &PendingTracker{
		machine: newMachine(cfg, "pending", logger),
		backend: backend,
		funcs:   funcs,
		set:     set,
	}
}

// OnState registers a state-transition observer.
func (t *PendingTracker) OnState(fn func(State)) { t.onState = fn }

// Run drives the stream until ctx is cancelled, the retry bound is
// exhausted, or the transport proves structurally unable to stream.
func (t *PendingTracker) Run(ctx context.Context) error {
	defer t.transition(StateStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}

		t.transition(StateSubscribing)
		var (
			sub ethereum.Subscription
			err error
		)
		txCh := make(chan *types.Transaction, 256)
		hashCh := make(chan common.Hash, 256)
		if t.HashesOnly {
			sub, err = t.backend.SubscribePendingTransactions(ctx, hashCh)
		} else {
			sub, err = t.backend.SubscribeFullPendingTransactions(ctx, txCh)
		}
		if err != nil {
			if isStructural(err) {
				t.logger.Error("pending stream unavailable on this transport", "error", err)
				return err
			}
			if werr := t.waitBackoff(ctx); werr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return werr
			}
			continue
		}
		t.resetRetries()
		t.transition(StateLive)

		err = t.live(ctx, sub, txCh, hashCh)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return nil
		}
		t.logger.Warn("pending subscription lost", "error", err)
		t.transition(StateDisconnected)
	}
}

func (t *PendingTracker) live(ctx context.Context, sub ethereum.Subscription, txCh <-chan *types.Transaction, hashCh <-chan common.Hash) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case tx := <-txCh:
			t.dispatch(ctx, tx)
		case hash := <-hashCh:
			tx, pending, err := t.backend.TransactionByHash(ctx, hash)
			if err != nil {
				t.logger.Debug("pending lookup failed", "hash", hash.Hex(), "error", err)
				continue
			}
			if !pending || tx == nil {
				continue
			}
			t.dispatch(ctx, tx)
		}
	}
}

func (t *PendingTracker) dispatch(ctx context.Context, tx *types.Transaction) {
	t.set.HandleTransaction(ctx, &action.TxRecord{
		Tx:      tx,
		Call:    decode.DecodeCall(tx.Data(), t.funcs),
		Pending: true,
	})
}
