package action

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/decode"
	"github.com/lixiao1981/evm-track/internal/output"
)

// LoggingAction writes a human-readable line per observed item to the
// structured log and the configured sinks. Options: log-events,
// log-transactions, log-blocks (all default true).
type LoggingAction struct {
	BaseAction
	logger *slog.Logger
	out    output.Sink
	filter addressFilter

	logEvents bool
	logTxs    bool
	logBlocks bool
}

func newLoggingAction(env Env, cfg config.ActionConfig) (Action, error) {
	return &LoggingAction{
		BaseAction: NewBaseAction("logging"),
		logger:     env.Logger.With("action", "logging"),
		out:        env.Out,
		filter:     newAddressFilter(cfg),
		logEvents:  optBool(cfg.Options, "log-events", true),
		logTxs:     optBool(cfg.Options, "log-transactions", true),
		logBlocks:  optBool(cfg.Options, "log-blocks", true),
	}, nil
}

func (a *LoggingAction) OnEvent(ctx context.Context, ev *EventRecord) error {
	if !a.logEvents || !a.filter.match(ev.Log.Address) {
		return nil
	}

	name := ev.Log.Name
	if name == "" {
		name = ev.Log.Topic0.Hex()
	}
	a.logger.Info("event",
		"name", name,
		"address", strings.ToLower(ev.Log.Address.Hex()),
		"block", ev.Log.BlockNumber,
		"tx", ev.Log.TxHash.Hex(),
		"decode_ok", ev.Log.DecodeOK,
	)

	rec := output.NewRecord("event", a.Name())
	rec.Name = name
	rec.Address = strings.ToLower(ev.Log.Address.Hex())
	rec.Block = ev.Log.BlockNumber
	rec.TxHash = ev.Log.TxHash.Hex()
	rec.Message = eventSummary(&ev.Log)
	for _, kv := range decode.StringFields(ev.Log.Fields) {
		rec.Fields[kv[0]] = kv[1]
	}
	return a.out.Write(ctx, rec)
}

func (a *LoggingAction) OnTransaction(ctx context.Context, tx *TxRecord) error {
	if !a.logTxs {
		return nil
	}
	if to := tx.Tx.To(); to != nil && !a.filter.match(*to) {
		return nil
	}

	a.logger.Info("transaction",
		"hash", tx.Tx.Hash().Hex(),
		"pending", tx.Pending,
		"func", tx.Call.Name,
		"value", tx.Tx.Value().String(),
	)

	rec := output.NewRecord("transaction", a.Name())
	rec.TxHash = tx.Tx.Hash().Hex()
	rec.Block = tx.BlockNumber
	rec.Name = tx.Call.Name
	if tx.Pending {
		rec.Tags = append(rec.Tags, "pending")
	}
	for _, kv := range decode.StringFields(tx.Call.Fields) {
		rec.Fields[kv[0]] = kv[1]
	}
	rec.Message = txSummary(tx)
	return a.out.Write(ctx, rec)
}

func (a *LoggingAction) OnBlock(ctx context.Context, blk *BlockRecord) error {
	if !a.logBlocks {
		return nil
	}
	a.logger.Info("block",
		"number", blk.Block.NumberU64(),
		"hash", blk.Block.Hash().Hex(),
		"txs", len(blk.Block.Transactions()),
	)

	rec := output.NewRecord("block", a.Name())
	rec.Block = blk.Block.NumberU64()
	rec.Message = fmt.Sprintf("block %d with %d transactions",
		blk.Block.NumberU64(), len(blk.Block.Transactions()))
	return a.out.Write(ctx, rec)
}

func eventSummary(lg *decode.Log) string {
	if !lg.DecodeOK {
		if lg.DecodeError != "" {
			return fmt.Sprintf("undecoded log (%s)", lg.DecodeError)
		}
		return "undecoded log"
	}
	parts := make([]string, len(lg.Fields))
	for i, f := range lg.Fields {
		parts[i] = f.Name + "=" + decode.FormatValue(f.Value)
	}
	return lg.Name + "(" + strings.Join(parts, ", ") + ")"
}

func txSummary(tx *TxRecord) string {
	if tx.Call.ValueTransfer {
		return fmt.Sprintf("value transfer of %s wei", tx.Tx.Value().String())
	}
	if !tx.Call.DecodeOK {
		return fmt.Sprintf("call %s (%s)", tx.Call.Selector, tx.Call.DecodeError)
	}
	return "call " + tx.Call.Signature
}

// optBool reads a boolean option with a default.
func optBool(opts map[string]any, key string, def bool) bool {
	v, ok := opts[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// optString reads a string option with a default.
func optString(opts map[string]any, key, def string) string {
	v, ok := opts[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// optFloat reads a numeric option with a default; YAML/JSON may decode
// numbers as int, int64 or float64.
func optFloat(opts map[string]any, key string, def float64) float64 {
	v, ok := opts[key]
	if !ok {
		return def
	}
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	}
	return def
}
