package action

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/lixiao1981/evm-track/internal/config"
	"github.com/lixiao1981/evm-track/internal/decode"
)

func proxyEvent(topics []common.Hash, data []byte) *EventRecord {
	raw := &types.Log{
		Address:     common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Topics:      topics,
		Data:        data,
		BlockNumber: 200,
	}
	return &EventRecord{
		Log: decode.Log{Address: raw.Address, BlockNumber: 200, Topic0: topics[0]},
		Raw: raw,
	}
}

func TestProxyUpgradeVerifiesSlot(t *testing.T) {
	impl := common.HexToAddress("0x4444444444444444444444444444444444444444")
	sink := &captureSink{}
	chain := &fakeChain{storage: map[common.Hash][]byte{
		implementationSlot: impl.Bytes(),
	}}
	a, err := newProxyUpgradeAction(Env{Logger: testLogger(), Client: chain, Out: sink}, config.ActionConfig{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	ev := proxyEvent([]common.Hash{upgradedTopic, common.BytesToHash(impl.Bytes())}, nil)
	if err := a.OnEvent(context.Background(), ev); err != nil {
		t.Fatalf("on event: %v", err)
	}

	recs := sink.byAction("proxy-upgrade")
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Fields["target"] != "0x4444444444444444444444444444444444444444" {
		t.Errorf("unexpected target: %q", recs[0].Fields["target"])
	}
	if recs[0].Fields["slot_verified"] != "true" {
		t.Errorf("expected verified slot, got %q", recs[0].Fields["slot_verified"])
	}
}

// OpenZeppelin's TransparentUpgradeableProxy emits AdminChanged with both
// admins non-indexed: topic0 only, new admin in the second data word.
func TestProxyAdminChangedNonIndexed(t *testing.T) {
	prev := common.HexToAddress("0x5555555555555555555555555555555555555555")
	next := common.HexToAddress("0x6666666666666666666666666666666666666666")
	sink := &captureSink{}
	a, err := newProxyUpgradeAction(Env{Logger: testLogger(), Client: &fakeChain{}, Out: sink}, config.ActionConfig{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	data := append(common.LeftPadBytes(prev.Bytes(), 32), common.LeftPadBytes(next.Bytes(), 32)...)
	ev := proxyEvent([]common.Hash{adminChangedTopic}, data)
	if err := a.OnEvent(context.Background(), ev); err != nil {
		t.Fatalf("on event: %v", err)
	}

	recs := sink.byAction("proxy-upgrade")
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Fields["target"] != "0x6666666666666666666666666666666666666666" {
		t.Errorf("expected new admin as target, got %q", recs[0].Fields["target"])
	}
}

func TestProxyAdminChangedIndexed(t *testing.T) {
	next := common.HexToAddress("0x7777777777777777777777777777777777777777")
	sink := &captureSink{}
	a, err := newProxyUpgradeAction(Env{Logger: testLogger(), Client: &fakeChain{}, Out: sink}, config.ActionConfig{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	topics := []common.Hash{
		adminChangedTopic,
		common.BytesToHash(common.HexToAddress("0x5555555555555555555555555555555555555555").Bytes()),
		common.BytesToHash(next.Bytes()),
	}
	if err := a.OnEvent(context.Background(), proxyEvent(topics, nil)); err != nil {
		t.Fatalf("on event: %v", err)
	}

	recs := sink.byAction("proxy-upgrade")
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Fields["target"] != "0x7777777777777777777777777777777777777777" {
		t.Errorf("expected new admin as target, got %q", recs[0].Fields["target"])
	}
}
