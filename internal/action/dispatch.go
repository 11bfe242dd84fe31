package action

import (
	"context"
	"log/slog"
)

// Outcome is one per-action, per-item dispatch result handed to the
// outcome callback. Err is nil on success.
type Outcome struct {
	Action string
	Kind   string
	Ref    string
	Err    error
}

// OutcomeFunc observes dispatch outcomes. May be nil.
type OutcomeFunc func(Outcome)

// Set is the ordered, immutable action list a stream dispatches into.
// Within one dispatch, actions run sequentially in dependency order; a
// failing action is logged, reported and skipped for that item only. No
// retry: the same action never sees the same item twice.
type Set struct {
	actions   []Action
	logger    *slog.Logger
	onOutcome OutcomeFunc
}

// NewSet builds a dispatcher over an already resolved, ordered action list.
func NewSet(actions []Action, logger *slog.Logger, onOutcome OutcomeFunc) *Set {
	return &Set{
		actions:   actions,
		logger:    logger.With("component", "dispatch"),
		onOutcome: onOutcome,
	}
}

// Actions exposes the ordered list for introspection.
func (s *Set) Actions() []Action {
	return s.actions
}

// HandleEvent routes one decoded log through every action in order.
func (s *Set) HandleEvent(ctx context.Context, ev *EventRecord) {
	for _, a := range s.actions {
		err := a.OnEvent(ctx, ev)
		s.report(a.Name(), "event", ev.Log.TxHash.Hex(), err)
	}
}

// HandleTransaction routes one transaction through every action in order.
func (s *Set) HandleTransaction(ctx context.Context, tx *TxRecord) {
	ref := ""
	if tx.Tx != nil {
		ref = tx.Tx.Hash().Hex()
	}
	for _, a := range s.actions {
		err := a.OnTransaction(ctx, tx)
		s.report(a.Name(), "transaction", ref, err)
	}
}

// HandleBlock routes one block through every action in order.
func (s *Set) HandleBlock(ctx context.Context, blk *BlockRecord) {
	ref := blk.Block.Hash().Hex()
	for _, a := range s.actions {
		err := a.OnBlock(ctx, blk)
		s.report(a.Name(), "block", ref, err)
	}
}

// HandleContractCreation routes one deployment through every action in order.
func (s *Set) HandleContractCreation(ctx context.Context, dep *DeploymentRecord) {
	for _, a := range s.actions {
		err := a.OnContractCreation(ctx, dep)
		s.report(a.Name(), "deployment", dep.Address.Hex(), err)
	}
}

func (s *Set) report(name, kind, ref string, err error) {
	if err != nil {
		s.logger.Warn("action failed",
			"action", name,
			"kind", kind,
			"ref", ref,
			"error", err,
		)
	}
	if s.onOutcome != nil {
		s.onOutcome(Outcome{Action: name, Kind: kind, Ref: ref, Err: err})
	}
}

// Close shuts down every action instance, returning the first error.
func (s *Set) Close() error {
	var first error
	for _, a := range s.actions {
		if err := a.Close(); err != nil {
			s.logger.Warn("action close failed", "action", a.Name(), "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
