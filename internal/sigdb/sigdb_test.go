package sigdb

import (
	"strings"
	"testing"
)

const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

func TestBuildEventEntry(t *testing.T) {
	entry, err := BuildEventEntry("Transfer(address indexed from, address indexed to, uint256 value)")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if entry.Key != transferTopic {
		t.Errorf("expected key %s, got %s", transferTopic, entry.Key)
	}
	if entry.Signature != "Transfer(address,address,uint256)" {
		t.Errorf("unexpected canonical signature %q", entry.Signature)
	}
	if len(entry.Params) != 3 {
		t.Fatalf("expected 3 params, got %d", len(entry.Params))
	}
	if !entry.Params[0].Indexed || !entry.Params[1].Indexed || entry.Params[2].Indexed {
		t.Error("indexed markers not parsed correctly")
	}
	if entry.Params[2].Name != "value" {
		t.Errorf("expected param name value, got %q", entry.Params[2].Name)
	}
}

func TestBuildFuncEntry(t *testing.T) {
	entry, err := BuildFuncEntry("transfer(address to, uint256 value)")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if entry.Key != "0xa9059cbb" {
		t.Errorf("expected selector 0xa9059cbb, got %s", entry.Key)
	}

	if _, err := BuildFuncEntry("transfer(address indexed to)"); err == nil {
		t.Error("expected error for indexed function parameter")
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "nope"},
		{"bad key width", `{"0x1234": {"name": "X", "signature": "X()", "params": []}}`},
		{"bad hex", `{"0xzz": {"name": "X", "signature": "X()", "params": []}}`},
		{"bad type", `{"` + transferTopic + `": {"name": "T", "signature": "T(zzz)", "params": [{"name": "a", "type": "zzz"}]}}`},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.data), 32); err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	entry, err := BuildEventEntry("Approval(address indexed owner, address indexed spender, uint256 value)")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	store := Store{}
	if err := store.Add(entry); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Add(entry); err == nil {
		t.Error("expected duplicate key error")
	}

	data, err := store.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := Parse(data, 32)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := back.Lookup(strings.ToUpper(entry.Key))
	if got == nil {
		t.Fatal("lookup after round trip returned nil")
	}
	if got.Name != "Approval" || len(got.Params) != 3 {
		t.Errorf("round trip mangled entry: %+v", got)
	}
}
