package action

import (
	"context"
	"strings"

	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/decode"
	"github.com/lixiao1981/evm-track/internal/output"
)

// SelectorScanAction flags transactions whose input matches configured
// function selectors. With no "selectors" option it reports every call that
// matched the function signature database.
type SelectorScanAction struct {
	BaseAction
	out       output.Sink
	filter    addressFilter
	selectors map[string]struct{}
}

func newSelectorScanAction(env Env, cfg config.ActionConfig) (Action, error) {
	a := &SelectorScanAction{
		BaseAction: NewBaseAction("selector-scan"),
		out:        env.Out,
		filter:     newAddressFilter(cfg),
	}
	if raw, ok := cfg.Options["selectors"].([]any); ok {
		a.selectors = make(map[string]struct{}, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				a.selectors[strings.ToLower(s)] = struct{}{}
			}
		}
	}
	return a, nil
}

func (a *SelectorScanAction) OnTransaction(ctx context.Context, tx *TxRecord) error {
	if tx.Call.ValueTransfer {
		return nil
	}
	if to := tx.Tx.To(); to != nil && !a.filter.match(*to) {
		return nil
	}
	if a.selectors != nil {
		if _, ok := a.selectors[tx.Call.Selector]; !ok {
			return nil
		}
	} else if !tx.Call.DecodeOK {
		return nil
	}

	rec := output.NewRecord("transaction", a.Name())
	rec.TxHash = tx.Tx.Hash().Hex()
	rec.Block = tx.BlockNumber
	rec.Name = tx.Call.Name
	rec.Fields["selector"] = tx.Call.Selector
	if tx.Call.DecodeOK {
		for _, kv := range decode.StringFields(tx.Call.Fields) {
			rec.Fields[kv[0]] = kv[1]
		}
	}
	if tx.Receipt != nil {
		rec.Fields["status"] = receiptStatus(tx.Receipt.Status)
		rec.Fields["gas_used"] = decode.FormatValue(tx.Receipt.GasUsed)
	}
	rec.Message = "selector match " + tx.Call.Selector
	return a.out.Write(ctx, rec)
}

func receiptStatus(status uint64) string {
	if status == 1 {
		return "success"
	}
	return "reverted"
}

var _ Action = (*SelectorScanAction)(nil)
