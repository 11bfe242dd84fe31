package action

import (
	"context"
	"strings"

	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/decode"
	"github.com/lixiao1981/evm-track/internal/output"
)

// JSONLogAction emits one structured record per decoded item, including
// failed decodes tagged with their decode error, so downstream consumers
// see the full stream.
type JSONLogAction struct {
	BaseAction
	out    output.Sink
	filter addressFilter
}

func newJSONLogAction(env Env, cfg config.ActionConfig) (Action, error) {
	return &JSONLogAction{
		BaseAction: NewBaseAction("jsonlog"),
		out:        env.Out,
		filter:     newAddressFilter(cfg),
	}, nil
}

func (a *JSONLogAction) OnEvent(ctx context.Context, ev *EventRecord) error {
	if !a.filter.match(ev.Log.Address) {
		return nil
	}
	rec := output.NewRecord("event", a.Name())
	rec.Name = ev.Log.Name
	rec.Address = strings.ToLower(ev.Log.Address.Hex())
	rec.Block = ev.Log.BlockNumber
	rec.TxHash = ev.Log.TxHash.Hex()
	rec.Fields["topic0"] = ev.Log.Topic0.Hex()
	if ev.Log.DecodeOK {
		rec.Fields["decode"] = "ok"
		for _, kv := range decode.StringFields(ev.Log.Fields) {
			rec.Fields[kv[0]] = kv[1]
		}
	} else {
		rec.Fields["decode"] = ev.Log.DecodeError
	}
	return a.out.Write(ctx, rec)
}

func (a *JSONLogAction) OnTransaction(ctx context.Context, tx *TxRecord) error {
	if to := tx.Tx.To(); to != nil && !a.filter.match(*to) {
		return nil
	}
	rec := output.NewRecord("transaction", a.Name())
	rec.TxHash = tx.Tx.Hash().Hex()
	rec.Block = tx.BlockNumber
	rec.Name = tx.Call.Name
	if tx.Pending {
		rec.Tags = append(rec.Tags, "pending")
	}
	switch {
	case tx.Call.ValueTransfer:
		rec.Fields["decode"] = "value_transfer"
	case tx.Call.DecodeOK:
		rec.Fields["decode"] = "ok"
		rec.Fields["selector"] = tx.Call.Selector
		for _, kv := range decode.StringFields(tx.Call.Fields) {
			rec.Fields[kv[0]] = kv[1]
		}
	default:
		rec.Fields["decode"] = tx.Call.DecodeError
		rec.Fields["selector"] = tx.Call.Selector
	}
	return a.out.Write(ctx, rec)
}

var _ Action = (*JSONLogAction)(nil)
