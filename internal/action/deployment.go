package action

import (
	"bytes"
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/output"
)

// EIP-1167 minimal proxy runtime code: prefix, 20-byte target, suffix.
var (
	minimalProxyPrefix = common.Hex2Bytes("363d3d373d3d3d363d73")
	minimalProxySuffix = common.Hex2Bytes("5af43d82803e903d91602b57fd5bf3")
)

// DeploymentAction inspects contract creations: it fetches the deployed
// code, records its hash, and flags EIP-1167 minimal proxies with their
// delegation target.
type DeploymentAction struct {
	BaseAction
	logger *slog.Logger
	client ChainReader
	out    output.Sink
	filter addressFilter
}

func newDeploymentAction(env Env, cfg config.ActionConfig) (Action, error) {
	return &DeploymentAction{
		BaseAction: NewBaseAction("deployment"),
		logger:     env.Logger.With("action", "deployment"),
		client:     env.Client,
		out:        env.Out,
		filter:     newAddressFilter(cfg),
	}, nil
}

func (a *DeploymentAction) OnContractCreation(ctx context.Context, dep *DeploymentRecord) error {
	if !a.filter.match(dep.Address) {
		return nil
	}

	rec := output.NewRecord("deployment", a.Name())
	rec.Address = strings.ToLower(dep.Address.Hex())
	rec.Block = dep.BlockNumber
	rec.TxHash = dep.TxHash.Hex()
	rec.Fields["deployer"] = strings.ToLower(dep.Deployer.Hex())
	rec.Message = "contract deployed at " + strings.ToLower(dep.Address.Hex())

	if a.client != nil {
		code, err := a.client.CodeAt(ctx, dep.Address, nil)
		if err != nil {
			a.logger.Debug("code fetch failed", "address", dep.Address.Hex(), "error", err)
		} else {
			rec.Fields["code_size"] = strconv.Itoa(len(code))
			rec.Fields["code_hash"] = crypto.Keccak256Hash(code).Hex()
			if target, ok := minimalProxyTarget(code); ok {
				rec.Tags = append(rec.Tags, "minimal-proxy")
				rec.Fields["proxy_target"] = strings.ToLower(target.Hex())
				rec.Message = "minimal proxy deployed, delegating to " +
					strings.ToLower(target.Hex())
			}
		}
	}
	return a.out.Write(ctx, rec)
}

// minimalProxyTarget reports the delegation target when code is an
// EIP-1167 minimal proxy.
func minimalProxyTarget(code []byte) (common.Address, bool) {
	wantLen := len(minimalProxyPrefix) + common.AddressLength + len(minimalProxySuffix)
	if len(code) != wantLen {
		return common.Address{}, false
	}
	if !bytes.HasPrefix(code, minimalProxyPrefix) || !bytes.HasSuffix(code, minimalProxySuffix) {
		return common.Address{}, false
	}
	return common.BytesToAddress(code[len(minimalProxyPrefix) : len(minimalProxyPrefix)+common.AddressLength]), true
}

var _ Action = (*DeploymentAction)(nil)
