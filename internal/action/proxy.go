package action

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/output"
)

// EIP-1967 proxy storage slots.
var (
	implementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")
	adminSlot          = common.HexToHash("0xb53127684a568b3173ae13b9f8a6016e243e63b6e8ee1178d6a717850b5d6103")

	upgradedTopic     = crypto.Keccak256Hash([]byte("Upgraded(address)"))
	adminChangedTopic = crypto.Keccak256Hash([]byte("AdminChanged(address,address)"))
)

// ProxyUpgradeAction watches Upgraded/AdminChanged events on proxy
// contracts and cross-checks the claimed address against the EIP-1967
// storage slot via the throttled client.
type ProxyUpgradeAction struct {
	BaseAction
	logger *slog.Logger
	client ChainReader
	out    output.Sink
	filter addressFilter
}

func newProxyUpgradeAction(env Env, cfg config.ActionConfig) (Action, error) {
	return &ProxyUpgradeAction{
		BaseAction: NewBaseAction("proxy-upgrade"),
		logger:     env.Logger.With("action", "proxy-upgrade"),
		client:     env.Client,
		out:        env.Out,
		filter:     newAddressFilter(cfg),
	}, nil
}

func (a *ProxyUpgradeAction) OnEvent(ctx context.Context, ev *EventRecord) error {
	if !a.filter.match(ev.Log.Address) || ev.Raw == nil || len(ev.Raw.Topics) == 0 {
		return nil
	}

	var name string
	var slot common.Hash
	var claimed common.Address
	switch ev.Log.Topic0 {
	case upgradedTopic:
		if len(ev.Raw.Topics) < 2 {
			return nil
		}
		name, slot = "Upgraded", implementationSlot
		claimed = common.BytesToAddress(ev.Raw.Topics[1].Bytes())
	case adminChangedTopic:
		name, slot = "AdminChanged", adminSlot
		// OpenZeppelin's AdminChanged(previousAdmin, newAdmin) carries
		// both params non-indexed in data; other variants index them.
		switch {
		case len(ev.Raw.Data) >= 32:
			claimed = common.BytesToAddress(ev.Raw.Data[len(ev.Raw.Data)-32:])
		case len(ev.Raw.Topics) >= 3:
			claimed = common.BytesToAddress(ev.Raw.Topics[2].Bytes())
		default:
			return nil
		}
	default:
		return nil
	}

	verified := false
	if a.client != nil {
		if raw, err := a.client.StorageAt(ctx, ev.Log.Address, slot, nil); err == nil {
			stored := common.BytesToAddress(raw)
			verified = stored == claimed
		} else {
			a.logger.Debug("slot verification failed",
				"proxy", ev.Log.Address.Hex(), "error", err)
		}
	}

	rec := output.NewRecord("event", a.Name())
	rec.Severity = output.SeverityCritical
	rec.Name = name
	rec.Address = strings.ToLower(ev.Log.Address.Hex())
	rec.Block = ev.Log.BlockNumber
	rec.TxHash = ev.Log.TxHash.Hex()
	rec.Fields["target"] = strings.ToLower(claimed.Hex())
	rec.Fields["slot"] = slot.Hex()
	if verified {
		rec.Fields["slot_verified"] = "true"
	} else {
		rec.Fields["slot_verified"] = "false"
	}
	rec.Message = "proxy " + name + " to " + strings.ToLower(claimed.Hex())
	return a.out.Write(ctx, rec)
}

var _ Action = (*ProxyUpgradeAction)(nil)
