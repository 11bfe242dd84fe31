package action

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/output"
	"github.com/lixiao1981/evm-track/internal/sigdb"
)

// randomProbeSelector is a meaningless selector used as a control probe: a
// contract that answers it without reverting answers anything, so a
// successful initializer call on it proves nothing.
var randomProbeSelector = []byte{0x6f, 0xcb, 0x83, 0x1b}

// initScanEntry is one contract still exposing a callable initializer,
// persisted across runs.
type initScanEntry struct {
	Contract string `json:"contract"`
	Calldata string `json:"calldata"`
}

// InitScanAction probes freshly deployed contracts for publicly callable
// initializers. A deployment whose initializer call succeeds in a dry run
// is flagged and remembered; remembered contracts are re-probed on a block
// cadence and dropped once the call starts reverting, which means someone
// initialized them.
type InitScanAction struct {
	BaseAction
	logger *slog.Logger
	client ChainReader
	out    output.Sink
	filter addressFilter

	calldatas [][]byte
	stateFile string
	recheck   uint64

	mu        sync.Mutex
	known     []initScanEntry
	lastCheck uint64
}

func newInitScanAction(env Env, cfg config.ActionConfig) (Action, error) {
	if env.Client == nil {
		return nil, fmt.Errorf("init-scan action requires a chain client")
	}
	a := &InitScanAction{
		BaseAction: NewBaseAction("init-scan"),
		logger:     env.Logger.With("action", "init-scan"),
		client:     env.Client,
		out:        env.Out,
		filter:     newAddressFilter(cfg),
		stateFile:  optString(cfg.Options, "state-file", ""),
		recheck:    uint64(optFloat(cfg.Options, "recheck-blocks", 100)),
	}

	raw, _ := cfg.Options["funcs"].([]any)
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		data, err := initCalldata(s)
		if err != nil {
			return nil, fmt.Errorf("init-scan funcs entry %q: %w", s, err)
		}
		a.calldatas = append(a.calldatas, data)
	}
	if len(a.calldatas) == 0 {
		data, err := initCalldata("initialize()")
		if err != nil {
			return nil, err
		}
		a.calldatas = [][]byte{data}
	}

	if err := a.loadState(); err != nil {
		return nil, err
	}
	return a, nil
}

// initCalldata turns a funcs entry into probe calldata: raw 0x-prefixed hex
// is taken verbatim, anything else is parsed as a parameterless function
// signature.
func initCalldata(s string) ([]byte, error) {
	if strings.HasPrefix(s, "0x") {
		data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid calldata hex: %w", err)
		}
		if len(data) < 4 {
			return nil, fmt.Errorf("calldata shorter than a selector")
		}
		return data, nil
	}
	entry, err := sigdb.BuildFuncEntry(s)
	if err != nil {
		return nil, err
	}
	if len(entry.Params) > 0 {
		return nil, fmt.Errorf("signature %s takes parameters, configure raw calldata instead", entry.Signature)
	}
	return hex.DecodeString(strings.TrimPrefix(entry.Key, "0x"))
}

func (a *InitScanAction) OnContractCreation(ctx context.Context, dep *DeploymentRecord) error {
	if !a.filter.match(dep.Address) {
		return nil
	}
	for _, data := range a.calldatas {
		open, err := a.probe(ctx, dep.Address, data)
		if err != nil {
			a.logger.Debug("probe failed", "contract", dep.Address.Hex(), "error", err)
			continue
		}
		if !open {
			continue
		}

		calldata := "0x" + hex.EncodeToString(data)
		if !a.remember(dep.Address, calldata) {
			continue
		}

		rec := output.NewRecord("deployment", a.Name())
		rec.Severity = output.SeverityCritical
		rec.Address = strings.ToLower(dep.Address.Hex())
		rec.Block = dep.BlockNumber
		rec.TxHash = dep.TxHash.Hex()
		rec.Fields["deployer"] = strings.ToLower(dep.Deployer.Hex())
		rec.Fields["calldata"] = calldata
		rec.Message = "contract " + strings.ToLower(dep.Address.Hex()) +
			" exposes a publicly callable initializer"
		if err := a.out.Write(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// OnBlock re-probes remembered contracts on the configured cadence and
// drops the ones whose initializer has been closed since.
func (a *InitScanAction) OnBlock(ctx context.Context, blk *BlockRecord) error {
	if a.recheck == 0 {
		return nil
	}
	num := blk.Block.NumberU64()

	a.mu.Lock()
	due := num >= a.lastCheck+a.recheck && len(a.known) > 0
	if due {
		a.lastCheck = num
	}
	entries := append([]initScanEntry(nil), a.known...)
	a.mu.Unlock()
	if !due {
		return nil
	}

	for _, e := range entries {
		data, err := hex.DecodeString(strings.TrimPrefix(e.Calldata, "0x"))
		if err != nil {
			a.forget(e)
			continue
		}
		open, err := a.probe(ctx, common.HexToAddress(e.Contract), data)
		if err != nil {
			a.logger.Debug("recheck probe failed", "contract", e.Contract, "error", err)
			continue
		}
		if open {
			continue
		}
		a.forget(e)

		rec := output.NewRecord("deployment", a.Name())
		rec.Address = e.Contract
		rec.Block = num
		rec.Fields["calldata"] = e.Calldata
		rec.Message = "initializer on " + e.Contract + " is no longer callable"
		if err := a.out.Write(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// probe dry-runs the initializer calldata against the contract. A
// non-reverting call only counts when the control selector reverts as
// expected; a contract accepting arbitrary calldata is a false positive.
func (a *InitScanAction) probe(ctx context.Context, addr common.Address, data []byte) (bool, error) {
	if _, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}); err != nil {
		return false, nil
	}
	if _, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: randomProbeSelector}); err == nil {
		a.logger.Debug("contract accepts arbitrary calldata, skipping",
			"contract", addr.Hex())
		return false, nil
	}
	return true, nil
}

// remember adds the finding to the known set, reporting whether it was new.
func (a *InitScanAction) remember(addr common.Address, calldata string) bool {
	entry := initScanEntry{Contract: strings.ToLower(addr.Hex()), Calldata: calldata}

	a.mu.Lock()
	for _, e := range a.known {
		if e == entry {
			a.mu.Unlock()
			return false
		}
	}
	a.known = append(a.known, entry)
	a.mu.Unlock()

	a.saveState()
	return true
}

func (a *InitScanAction) forget(entry initScanEntry) {
	a.mu.Lock()
	kept := a.known[:0]
	for _, e := range a.known {
		if e != entry {
			kept = append(kept, e)
		}
	}
	a.known = kept
	a.mu.Unlock()

	a.saveState()
}

func (a *InitScanAction) loadState() error {
	if a.stateFile == "" {
		return nil
	}
	data, err := os.ReadFile(a.stateFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read init-scan state %s: %w", a.stateFile, err)
	}
	if err := json.Unmarshal(data, &a.known); err != nil {
		return fmt.Errorf("parse init-scan state %s: %w", a.stateFile, err)
	}
	return nil
}

func (a *InitScanAction) saveState() {
	if a.stateFile == "" {
		return
	}
	a.mu.Lock()
	data, err := json.MarshalIndent(a.known, "", "  ")
	a.mu.Unlock()
	if err == nil {
		err = os.WriteFile(a.stateFile, data, 0o644)
	}
	if err != nil {
		a.logger.Warn("init-scan state write failed", "path", a.stateFile, "error", err)
	}
}

var _ Action = (*InitScanAction)(nil)
