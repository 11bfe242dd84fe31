// Package tracker owns the live subscription lifecycle: the per-stream
// state machine (subscribe, backoff, backfill, polling fallback), and the
// historical scanner that drives the same decode and dispatch path over an
// explicit block range.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/lixiao1981/evm-track/internal/chain"
)

// State is the subscription lifecycle state of one stream.
type State int

const (
	StateDisconnected State = iota
	StateSubscribing
	StateLive
	StateBackfilling
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	case StateBackfilling:
		return "backfilling"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrRetriesExhausted is surfaced when the configured subscription retry
// bound is exceeded.
var ErrRetriesExhausted = errors.New("subscription retries exhausted")

// DropEvent reports a gap portion older than the backfill window that was
// abandoned instead of fetched.
type DropEvent struct {
	Stream string
	From   uint64
	To     uint64
}

// machine is the shared state-machine bookkeeping embedded by each stream
// tracker. Transitions are logged; an optional observer sees each one.
type machine struct {
	cfg    Config
	kind   string
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	retries       int
	lastConfirmed uint64

	onState func(State)
	onDrop  func(DropEvent)
}

func newMachine(cfg Config, kind string, logger *slog.Logger) *machine {
	return &machine{
		cfg:    cfg,
		kind:   kind,
		logger: logger.With("stream", kind),
		state:  StateDisconnected,
	}
}

func (m *machine) transition(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	if prev != s {
		m.logger.Debug("state transition", "from", prev.String(), "to", s.String())
		if m.onState != nil {
			m.onState(s)
		}
	}
}

// State returns the current lifecycle state.
func (m *machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastConfirmed returns the highest block height this stream has dispatched.
func (m *machine) LastConfirmed() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConfirmed
}

func (m *machine) confirm(block uint64) {
	m.mu.Lock()
	if block > m.lastConfirmed {
		m.lastConfirmed = block
	}
	m.mu.Unlock()
}

func (m *machine) resetRetries() {
	m.mu.Lock()
	m.retries = 0
	m.mu.Unlock()
}

// waitBackoff sleeps min(base * 2^retries, max) or until ctx is done, then
// increments the retry counter. It returns ErrRetriesExhausted once the
// configured bound is exceeded (0 = unbounded).
func (m *machine) waitBackoff(ctx context.Context) error {
	m.mu.Lock()
	retries := m.retries
	m.retries++
	m.mu.Unlock()

	if m.cfg.MaxRetries > 0 && retries >= m.cfg.MaxRetries {
		return fmt.Errorf("%w: %s stream after %d attempts", ErrRetriesExhausted, m.kind, retries)
	}

	delay := m.cfg.BackoffBase
	for i := 0; i < retries && delay < m.cfg.BackoffMax; i++ {
		delay *= 2
	}
	if delay > m.cfg.BackoffMax {
		delay = m.cfg.BackoffMax
	}

	m.logger.Info("subscription backoff", "attempt", retries+1, "delay", delay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (m *machine) reportDrop(from, to uint64) {
	m.logger.Warn("backfill window exceeded, dropping range",
		"from", from, "to", to, "blocks", to-from+1)
	if m.onDrop != nil {
		m.onDrop(DropEvent{Stream: m.kind, From: from, To: to})
	}
}

// isStructural reports transport failures streaming cannot recover from;
// the stream falls back to polling instead of retrying the subscription.
func isStructural(err error) bool {
	return errors.Is(err, chain.ErrSubscriptionsUnsupported) ||
		errors.Is(err, rpc.ErrNotificationsUnsupported) ||
		errors.Is(err, rpc.ErrSubscriptionNotFound)
}
