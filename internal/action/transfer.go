package action

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/decode"
	"github.com/lixiao1981/evm-track/internal/output"
	"github.com/lixiao1981/evm-track/internal/tokencache"
)

// ERC-20 metadata selectors: decimals() and symbol().
var (
	selDecimals = []byte{0x31, 0x3c, 0xe5, 0x67}
	selSymbol   = []byte{0x95, 0xd8, 0x9b, 0x41}
)

const defaultDecimals = 18

// TransferAction decodes ERC-20 Transfer events into human-scaled amounts.
// Token metadata comes from read-only calls through the throttled client
// and is cached for the run (or shared via Redis).
type TransferAction struct {
	BaseAction
	logger *slog.Logger
	client ChainReader
	cache  tokencache.Cache
	out    output.Sink
	filter addressFilter
}

func newTransferAction(env Env, cfg config.ActionConfig) (Action, error) {
	if env.Client == nil {
		return nil, fmt.Errorf("transfer action requires a chain client")
	}
	return &TransferAction{
		BaseAction: NewBaseAction("transfer"),
		logger:     env.Logger.With("action", "transfer"),
		client:     env.Client,
		cache:      env.TokenCache,
		out:        env.Out,
		filter:     newAddressFilter(cfg),
	}, nil
}

func (a *TransferAction) OnEvent(ctx context.Context, ev *EventRecord) error {
	if !isTransferEvent(&ev.Log) || !a.filter.match(ev.Log.Address) {
		return nil
	}
	from, to, amount, ok := transferFields(&ev.Log)
	if !ok {
		return nil
	}

	meta := lookupTokenMetadata(ctx, a.logger, a.client, a.cache, ev.Log.Address)
	scaled := scaleAmount(amount, meta.Decimals)

	rec := output.NewRecord("event", a.Name())
	rec.Name = "Transfer"
	rec.Address = strings.ToLower(ev.Log.Address.Hex())
	rec.Block = ev.Log.BlockNumber
	rec.TxHash = ev.Log.TxHash.Hex()
	rec.Fields["from"] = strings.ToLower(from.Hex())
	rec.Fields["to"] = strings.ToLower(to.Hex())
	rec.Fields["amount"] = amount.String()
	rec.Fields["amount_scaled"] = scaled
	rec.Fields["symbol"] = meta.Symbol
	rec.Message = fmt.Sprintf("%s %s: %s -> %s", scaled, meta.Symbol,
		strings.ToLower(from.Hex()), strings.ToLower(to.Hex()))
	return a.out.Write(ctx, rec)
}

var _ Action = (*TransferAction)(nil)

func isTransferEvent(lg *decode.Log) bool {
	return lg.DecodeOK && lg.Name == "Transfer" && len(lg.Fields) == 3
}

// transferFields pulls (from, to, amount) out of a decoded Transfer.
func transferFields(lg *decode.Log) (common.Address, common.Address, *big.Int, bool) {
	from, ok1 := lg.Fields[0].Value.(common.Address)
	to, ok2 := lg.Fields[1].Value.(common.Address)
	amount, ok3 := lg.Fields[2].Value.(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return common.Address{}, common.Address{}, nil, false
	}
	return from, to, amount, true
}

// lookupTokenMetadata serves from the cache, falling back to on-chain
// symbol()/decimals() calls. Lookup failures degrade to defaults rather
// than failing the dispatch; the degraded result is cached too, since a
// contract without metadata stays that way.
func lookupTokenMetadata(ctx context.Context, logger *slog.Logger, client ChainReader, cache tokencache.Cache, token common.Address) tokencache.Metadata {
	if cache != nil {
		if meta, ok, err := cache.Get(ctx, token); err == nil && ok {
			return meta
		}
	}

	meta := tokencache.Metadata{Symbol: "?", Decimals: defaultDecimals}
	if ret, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: selDecimals}); err == nil {
		if d, ok := decodeUint8Return(ret); ok {
			meta.Decimals = d
		}
	} else {
		logger.Debug("decimals lookup failed", "token", token.Hex(), "error", err)
	}
	if ret, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: selSymbol}); err == nil {
		if s := decodeStringReturn(ret); s != "" {
			meta.Symbol = s
		}
	} else {
		logger.Debug("symbol lookup failed", "token", token.Hex(), "error", err)
	}

	if cache != nil {
		if err := cache.Put(ctx, token, meta); err != nil {
			logger.Debug("metadata cache write failed", "token", token.Hex(), "error", err)
		}
	}
	return meta
}

func decodeUint8Return(ret []byte) (uint8, bool) {
	if len(ret) < 32 {
		return 0, false
	}
	v := new(big.Int).SetBytes(ret[:32])
	if !v.IsUint64() || v.Uint64() > 255 {
		return 0, false
	}
	return uint8(v.Uint64()), true
}

// decodeStringReturn handles both ABI-encoded strings and the legacy
// bytes32 symbol encoding some early tokens use. The return data comes
// from arbitrary contracts, so offset and length words are never trusted:
// all comparisons are subtraction-free on the known-larger side to rule
// out wraparound.
func decodeStringReturn(ret []byte) string {
	if len(ret) == 32 {
		return string(bytes.TrimRight(ret, "\x00"))
	}
	if len(ret) < 64 {
		return ""
	}
	offset := new(big.Int).SetBytes(ret[:32])
	if !offset.IsUint64() {
		return ""
	}
	o := offset.Uint64()
	if o > uint64(len(ret))-32 {
		return ""
	}
	length := new(big.Int).SetBytes(ret[o : o+32])
	if !length.IsUint64() {
		return ""
	}
	n := length.Uint64()
	if n > uint64(len(ret))-32-o {
		return ""
	}
	return string(ret[o+32 : o+32+n])
}

// scaleAmount renders a raw token amount at the given decimals, trimming
// trailing zeros from the fractional part.
func scaleAmount(amount *big.Int, decimals uint8) string {
	if decimals == 0 {
		return amount.String()
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(amount, divisor, new(big.Int))

	fracStr := frac.Abs(frac).String()
	for len(fracStr) < int(decimals) {
		fracStr = "0" + fracStr
	}
	fracStr = strings.TrimRight(fracStr, "0")
	if fracStr == "" {
		return whole.String()
	}
	return whole.String() + "." + fracStr
}
