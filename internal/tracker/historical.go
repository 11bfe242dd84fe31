package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/lixiao1981/evm-track/internal/action"
	"github.com/lixiao1981/evm-track/internal/sigdb"
)

// Scanner iterates an explicit block range through the same decode and
// dispatch path as the live trackers, without the subscription state
// machine. Rate limiting comes from the throttle inside the backend.
type Scanner struct {
	cfg     Config
	backend Backend
	events  sigdb.Store
	funcs   sigdb.Store
	set     *action.Set
	logger  *slog.Logger
}

// NewScanner builds a historical scanner.
func NewScanner(cfg Config, backend Backend, events, funcs sigdb.Store, set *action.Set, logger *slog.Logger) *Scanner {
	return &Scanner{
		cfg:     cfg,
		backend: backend,
		events:  events,
		funcs:   funcs,
		set:     set,
		logger:  logger.With("component", "scanner"),
	}
}

// ScanEvents replays matching logs in [from, to], paged by the configured
// step. to of 0 means the current head.
func (s *Scanner) ScanEvents(ctx context.Context, from, to uint64) error {
	to, err := s.resolveEnd(ctx, from, to)
	if err != nil {
		return err
	}
	s.logger.Info("scanning events", "from", from, "to", to, "step", s.cfg.StepBlocks)

	tracker := &EventTracker{
		machine: newMachine(s.cfg, "historical-events", s.logger),
		backend: s.backend,
		events:  s.events,
		set:     s.set,
	}
	for _, page := range pageRanges(from, to, s.cfg.StepBlocks) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logs, err := s.backend.FilterLogs(ctx, tracker.filterQuery(page[0], page[1]))
		if err != nil {
			return fmt.Errorf("query logs [%d, %d]: %w", page[0], page[1], err)
		}
		sortLogs(logs)
		dispatchLogs(ctx, logs, s.events, s.set)
		s.logger.Debug("page scanned", "from", page[0], "to", page[1], "logs", len(logs))
	}
	return nil
}

// ScanBlocks replays full blocks in [from, to], including transactions and
// contract creations. to of 0 means the current head.
func (s *Scanner) ScanBlocks(ctx context.Context, from, to uint64) error {
	to, err := s.resolveEnd(ctx, from, to)
	if err != nil {
		return err
	}
	chainID, err := s.backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	signer := types.LatestSignerForChainID(chainID)

	s.logger.Info("scanning blocks", "from", from, "to", to)
	for num := from; num <= to; num++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		block, err := s.backend.BlockByNumber(ctx, new(big.Int).SetUint64(num))
		if err != nil {
			return fmt.Errorf("fetch block %d: %w", num, err)
		}
		if err := processBlock(ctx, s.backend, s.funcs, s.set, signer, block, false, s.logger); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) resolveEnd(ctx context.Context, from, to uint64) (uint64, error) {
	if to == 0 {
		head, err := s.backend.BlockNumber(ctx)
		if err != nil {
			return 0, fmt.Errorf("resolve head: %w", err)
		}
		to = head
	}
	if to < from {
		return 0, fmt.Errorf("invalid range: from %d > to %d", from, to)
	}
	return to, nil
}
