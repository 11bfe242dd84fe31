package action

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/lixiao1981/evm-track/internal/config"
)

// initChain reverts the calldata listed in reverts and lets everything else
// succeed.
type initChain struct {
	fakeChain
	mu      sync.Mutex
	reverts map[string]bool
}

func (c *initChain) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reverts["0x"+hex.EncodeToString(msg.Data)] {
		return nil, errors.New("execution reverted")
	}
	return nil, nil
}

func (c *initChain) setRevert(calldata string, v bool) {
	c.mu.Lock()
	c.reverts[calldata] = v
	c.mu.Unlock()
}

const controlCalldata = "0x6fcb831b"

func newInitChain() *initChain {
	// A sane contract rejects the control selector.
	return &initChain{reverts: map[string]bool{controlCalldata: true}}
}

func deployed(addr common.Address) *DeploymentRecord {
	return &DeploymentRecord{
		Address:     addr,
		Deployer:    common.HexToAddress("0x9999999999999999999999999999999999999999"),
		TxHash:      common.HexToHash("0xabcd"),
		BlockNumber: 50,
	}
}

func TestInitScanFlagsOpenInitializer(t *testing.T) {
	contract := common.HexToAddress("0x1234567890123456789012345678901234567890")
	sink := &captureSink{}
	chain := newInitChain()
	a, err := newInitScanAction(Env{Logger: testLogger(), Client: chain, Out: sink}, config.ActionConfig{
		Options: map[string]any{"funcs": []any{"initialize()"}},
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	if err := a.OnContractCreation(context.Background(), deployed(contract)); err != nil {
		t.Fatalf("on creation: %v", err)
	}
	recs := sink.byAction("init-scan")
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Severity != "critical" {
		t.Errorf("expected critical severity, got %q", recs[0].Severity)
	}
	if recs[0].Fields["calldata"] != "0x8129fc1c" {
		t.Errorf("unexpected calldata: %q", recs[0].Fields["calldata"])
	}
	if recs[0].Address != strings.ToLower(contract.Hex()) {
		t.Errorf("unexpected address: %q", recs[0].Address)
	}

	// The same finding is not reported twice.
	if err := a.OnContractCreation(context.Background(), deployed(contract)); err != nil {
		t.Fatalf("second creation: %v", err)
	}
	if n := len(sink.byAction("init-scan")); n != 1 {
		t.Errorf("expected no duplicate record, got %d", n)
	}
}

// A contract that answers the control selector answers anything; a
// successful initializer call on it is a false positive.
func TestInitScanControlSelector(t *testing.T) {
	sink := &captureSink{}
	chain := &initChain{reverts: map[string]bool{}}
	a, err := newInitScanAction(Env{Logger: testLogger(), Client: chain, Out: sink}, config.ActionConfig{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	addr := common.HexToAddress("0x1234567890123456789012345678901234567890")
	if err := a.OnContractCreation(context.Background(), deployed(addr)); err != nil {
		t.Fatalf("on creation: %v", err)
	}
	if n := len(sink.byAction("init-scan")); n != 0 {
		t.Errorf("expected no records for an accept-anything contract, got %d", n)
	}
}

func TestInitScanRecheckPrunes(t *testing.T) {
	contract := common.HexToAddress("0x1234567890123456789012345678901234567890")
	stateFile := filepath.Join(t.TempDir(), "init.json")
	sink := &captureSink{}
	chain := newInitChain()
	a, err := newInitScanAction(Env{Logger: testLogger(), Client: chain, Out: sink}, config.ActionConfig{
		Options: map[string]any{
			"state-file":     stateFile,
			"recheck-blocks": 10,
		},
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	if err := a.OnContractCreation(context.Background(), deployed(contract)); err != nil {
		t.Fatalf("on creation: %v", err)
	}
	data, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if !strings.Contains(string(data), strings.ToLower(contract.Hex())) {
		t.Fatalf("state file does not record the contract: %s", data)
	}

	// Someone initializes the contract; the next due recheck prunes it.
	chain.setRevert("0x8129fc1c", true)
	blk := &BlockRecord{Block: types.NewBlockWithHeader(&types.Header{Number: big.NewInt(200)})}
	if err := a.OnBlock(context.Background(), blk); err != nil {
		t.Fatalf("on block: %v", err)
	}

	recs := sink.byAction("init-scan")
	if len(recs) != 2 {
		t.Fatalf("expected flag plus prune records, got %d", len(recs))
	}
	if !strings.Contains(recs[1].Message, "no longer callable") {
		t.Errorf("unexpected prune message: %q", recs[1].Message)
	}
	data, err = os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("read state after prune: %v", err)
	}
	if strings.Contains(string(data), strings.ToLower(contract.Hex())) {
		t.Errorf("pruned contract still in state file: %s", data)
	}
}

func TestInitScanReloadsState(t *testing.T) {
	contract := "0x1234567890123456789012345678901234567890"
	stateFile := filepath.Join(t.TempDir(), "init.json")
	seed := `[{"contract":"` + contract + `","calldata":"0x8129fc1c"}]`
	if err := os.WriteFile(stateFile, []byte(seed), 0o644); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	sink := &captureSink{}
	a, err := newInitScanAction(Env{Logger: testLogger(), Client: newInitChain(), Out: sink}, config.ActionConfig{
		Options: map[string]any{"state-file": stateFile},
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	// The reloaded entry suppresses a duplicate report.
	if err := a.OnContractCreation(context.Background(), deployed(common.HexToAddress(contract))); err != nil {
		t.Fatalf("on creation: %v", err)
	}
	if n := len(sink.byAction("init-scan")); n != 0 {
		t.Errorf("expected reloaded finding to suppress the report, got %d records", n)
	}
}

func TestInitCalldata(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "initialize()", want: "0x8129fc1c"},
		{in: "0x8129fc1c", want: "0x8129fc1c"},
		{in: "0xa9059cbb0000000000000000000000000000000000000000000000000000000000000001", want: "0xa9059cbb0000000000000000000000000000000000000000000000000000000000000001"},
		{in: "0x81", wantErr: true},
		{in: "0xzz", wantErr: true},
		{in: "initialize(address owner)", wantErr: true},
	}
	for _, tc := range cases {
		data, err := initCalldata(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.in, err)
			continue
		}
		if got := "0x" + hex.EncodeToString(data); got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.in, tc.want, got)
		}
	}
}
