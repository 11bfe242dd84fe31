package tracker

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/lixiao1981/evm-track/internal/action"
	"github.com/lixiao1981/evm-track/internal/sigdb"
)

// EventTracker streams matching logs through decode and dispatch. One
// tracker owns one execution context; it shares nothing with other streams
// except the throttle inside the backend.
type EventTracker struct {
	*machine
	backend Backend
	events  sigdb.Store
	set     *action.Set
}

// NewEventTracker builds the log stream tracker.
func NewEventTracker(cfg Config, backend Backend, events sigdb.Store, set *action.Set, logger *slog.Logger) *EventTracker {
	return &EventTracker{
		machine: newMachine(cfg, "events", logger),
		backend: backend,
		events:  events,
		set:     set,
	}
}

// OnDrop registers the observer for abandoned backfill ranges.
func (t *EventTracker) OnDrop(fn func(DropEvent)) { t.onDrop = fn }

// OnState registers a state-transition observer.
func (t *EventTracker) OnState(fn func(State)) { t.onState = fn }

func (t *EventTracker) filterQuery(from, to uint64) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		Addresses: t.cfg.Addresses,
		Topics:    t.cfg.Topics,
	}
	if to >= from {
		q.FromBlock = new(big.Int).SetUint64(from)
		q.ToBlock = new(big.Int).SetUint64(to)
	}
	return q
}

// Run drives the state machine until ctx is cancelled or the retry bound
// is exhausted. A structural transport failure downgrades the stream to
// polling for the rest of the run.
func (t *EventTracker) Run(ctx context.Context) error {
	defer t.transition(StateStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}

		t.transition(StateSubscribing)
		ch := make(chan types.Log, 256)
		sub, err := t.backend.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
			Addresses: t.cfg.Addresses,
			Topics:    t.cfg.Topics,
		}, ch)
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
		// Repair the gap accumulated while disconnected before going live.
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

func (t *EventTracker) live(ctx context.Context, sub ethereum.Subscription, ch <-chan types.Log) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case lg := <-ch:
			if lg.Removed {
				continue
			}
			dispatchLogs(ctx, []types.Log{lg}, t.events, t.set)
			t.confirm(lg.BlockNumber)
		}
	}
}

// backfill fetches [lastConfirmed+1, head] in pages, bounded by the
// configured window. The portion of the gap older than the window is
// reported as dropped, never fetched.
func (t *EventTracker) backfill(ctx context.Context) error {
	head, err := t.backend.BlockNumber(ctx)
	if err != nil {
		return err
	}
	from := t.LastConfirmed() + 1
	if head < from {
		return nil
	}

	if w := t.cfg.MaxBackfillBlocks; w > 0 && head-from+1 > w {
		t.reportDrop(from, head-w)
		from = head - w + 1
	}

	for _, page := range pageRanges(from, head, t.cfg.StepBlocks) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logs, err := t.backend.FilterLogs(ctx, t.filterQuery(page[0], page[1]))
		if err != nil {
			return err
		}
		sortLogs(logs)
		dispatchLogs(ctx, logs, t.events, t.set)
		t.confirm(page[1])
	}
	return nil
}

// poll issues periodic ranged queries instead of holding a subscription.
func (t *EventTracker) poll(ctx context.Context) error {
	if t.LastConfirmed() == 0 {
		head, err := t.backend.BlockNumber(ctx)
		if err == nil && head > 0 {
			t.confirm(head)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(t.cfg.PollInterval):
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
		for _, page := range pageRanges(last+1, head, t.cfg.StepBlocks) {
			if ctx.Err() != nil {
				return nil
			}
			logs, err := t.backend.FilterLogs(ctx, t.filterQuery(page[0], page[1]))
			if err != nil {
				t.logger.Warn("ranged query failed", "from", page[0], "to", page[1], "error", err)
				break
			}
			sortLogs(logs)
			dispatchLogs(ctx, logs, t.events, t.set)
			t.confirm(page[1])
		}
	}
}
