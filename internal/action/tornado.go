package action

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/output"
)

var (
	tornadoDepositTopic = crypto.Keccak256Hash(
		[]byte("Deposit(bytes32,uint32,uint256)"))
	tornadoWithdrawalTopic = crypto.Keccak256Hash(
		[]byte("Withdrawal(address,bytes32,address,uint256)"))
)

// TornadoAction records mixer deposits and withdrawals on the configured
// pool addresses.
type TornadoAction struct {
	BaseAction
	out    output.Sink
	filter addressFilter
}

func newTornadoAction(env Env, cfg config.ActionConfig) (Action, error) {
	return &TornadoAction{
		BaseAction: NewBaseAction("tornado"),
		out:        env.Out,
		filter:     newAddressFilter(cfg),
	}, nil
}

func (a *TornadoAction) OnEvent(ctx context.Context, ev *EventRecord) error {
	if !a.filter.match(ev.Log.Address) {
		return nil
	}

	var kind, name string
	switch ev.Log.Topic0 {
	case tornadoDepositTopic:
		kind, name = "deposit", "Deposit"
	case tornadoWithdrawalTopic:
		kind, name = "withdrawal", "Withdrawal"
	default:
		return nil
	}

	rec := output.NewRecord("event", a.Name())
	rec.Severity = output.SeverityWarning
	rec.Name = name
	rec.Address = strings.ToLower(ev.Log.Address.Hex())
	rec.Block = ev.Log.BlockNumber
	rec.TxHash = ev.Log.TxHash.Hex()
	rec.Tags = append(rec.Tags, "mixer", kind)
	if ev.Raw != nil && len(ev.Raw.Topics) > 1 {
		rec.Fields["topic1"] = ev.Raw.Topics[1].Hex()
	}
	rec.Message = "mixer " + kind + " at " + strings.ToLower(ev.Log.Address.Hex())
	return a.out.Write(ctx, rec)
}

var _ Action = (*TornadoAction)(nil)
