package action

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/output"
	"github.com/lixiao1981/evm-track/internal/tokencache"
)

// LargeTransferAction flags Transfer events whose human-scaled amount meets
// a configured threshold. Depends on the transfer action so token metadata
// is already warm in the shared cache. Option: min-amount (number or
// numeric string, default 1000000).
type LargeTransferAction struct {
	BaseAction
	logger    *slog.Logger
	client    ChainReader
	cache     tokencache.Cache
	out       output.Sink
	filter    addressFilter
	threshold *big.Float
}

func newLargeTransferAction(env Env, cfg config.ActionConfig) (Action, error) {
	threshold, err := parseMinAmount(cfg.Options)
	if err != nil {
		return nil, err
	}
	return &LargeTransferAction{
		BaseAction: NewBaseAction("large-transfer"),
		logger:     env.Logger.With("action", "large-transfer"),
		client:     env.Client,
		cache:      env.TokenCache,
		out:        env.Out,
		filter:     newAddressFilter(cfg),
		threshold:  threshold,
	}, nil
}

func parseMinAmount(opts map[string]any) (*big.Float, error) {
	v, ok := opts["min-amount"]
	if !ok {
		return big.NewFloat(1_000_000), nil
	}
	switch x := v.(type) {
	case string:
		f, ok := new(big.Float).SetString(x)
		if !ok {
			return nil, fmt.Errorf("min-amount: not a number: %q", x)
		}
		return f, nil
	case float64:
		return big.NewFloat(x), nil
	case int:
		return new(big.Float).SetInt64(int64(x)), nil
	case int64:
		return new(big.Float).SetInt64(x), nil
	}
	return nil, fmt.Errorf("min-amount: unsupported type %T", v)
}

func (a *LargeTransferAction) OnEvent(ctx context.Context, ev *EventRecord) error {
	if !isTransferEvent(&ev.Log) || !a.filter.match(ev.Log.Address) {
		return nil
	}
	from, to, amount, ok := transferFields(&ev.Log)
	if !ok {
		return nil
	}

	meta := lookupTokenMetadata(ctx, a.logger, a.client, a.cache, ev.Log.Address)
	scaled := scaleAmount(amount, meta.Decimals)

	val, err := strconv.ParseFloat(scaled, 64)
	if err != nil {
		return fmt.Errorf("parse scaled amount %q: %w", scaled, err)
	}
	if big.NewFloat(val).Cmp(a.threshold) < 0 {
		return nil
	}

	rec := output.NewRecord("event", a.Name())
	rec.Severity = output.SeverityWarning
	rec.Name = "Transfer"
	rec.Address = strings.ToLower(ev.Log.Address.Hex())
	rec.Block = ev.Log.BlockNumber
	rec.TxHash = ev.Log.TxHash.Hex()
	rec.Tags = append(rec.Tags, "large-transfer")
	rec.Fields["from"] = strings.ToLower(from.Hex())
	rec.Fields["to"] = strings.ToLower(to.Hex())
	rec.Fields["amount_scaled"] = scaled
	rec.Fields["symbol"] = meta.Symbol
	rec.Message = fmt.Sprintf("large transfer: %s %s", scaled, meta.Symbol)
	return a.out.Write(ctx, rec)
}

var _ Action = (*LargeTransferAction)(nil)
