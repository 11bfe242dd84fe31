package action

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/output"
)

var ownershipTransferredTopic = crypto.Keccak256Hash(
	[]byte("OwnershipTransferred(address,address)"))

// OwnershipAction tracks OwnershipTransferred events. It matches on the
// raw topic so contracts missing from the signature database are still
// caught.
type OwnershipAction struct {
	BaseAction
	out    output.Sink
	filter addressFilter
}

func newOwnershipAction(env Env, cfg config.ActionConfig) (Action, error) {
	return &OwnershipAction{
		BaseAction: NewBaseAction("ownership"),
		out:        env.Out,
		filter:     newAddressFilter(cfg),
	}, nil
}

func (a *OwnershipAction) OnEvent(ctx context.Context, ev *EventRecord) error {
	if ev.Log.Topic0 != ownershipTransferredTopic || !a.filter.match(ev.Log.Address) {
		return nil
	}
	if ev.Raw == nil || len(ev.Raw.Topics) < 3 {
		return nil
	}
	prev := common.BytesToAddress(ev.Raw.Topics[1].Bytes())
	next := common.BytesToAddress(ev.Raw.Topics[2].Bytes())

	rec := output.NewRecord("event", a.Name())
	rec.Severity = output.SeverityWarning
	rec.Name = "OwnershipTransferred"
	rec.Address = strings.ToLower(ev.Log.Address.Hex())
	rec.Block = ev.Log.BlockNumber
	rec.TxHash = ev.Log.TxHash.Hex()
	rec.Fields["previous_owner"] = strings.ToLower(prev.Hex())
	rec.Fields["new_owner"] = strings.ToLower(next.Hex())
	rec.Message = "ownership transferred " +
		strings.ToLower(prev.Hex()) + " -> " + strings.ToLower(next.Hex())
	return a.out.Write(ctx, rec)
}

var _ Action = (*OwnershipAction)(nil)
