// Package decode turns raw logs and transaction input into typed, named
// fields using a signature database. Both entry points are pure functions
// over the supplied store: no RPC, no shared mutable state.
package decode

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/lixiao1981/evm-track/internal/sigdb"
)

// Decode error tags. Unknown keys are expected and non-fatal; items carry
// the tag so actions can filter on it.
const (
	ErrUnknownTopic0   = "unknown_topic0"
	ErrUnknownSelector = "unknown_selector"
	ErrMalformedData   = "malformed_data"
)

// Field is one decoded parameter in declared order.
type Field struct {
	Name    string
	RawType string
	Indexed bool
	Value   any
}

// Log is a decoded log entry.
type Log struct {
	Address     common.Address
	BlockNumber uint64
	TxHash      common.Hash
	TxIndex     uint
	LogIndex    uint
	Topic0      common.Hash

	Name      string
	Signature string
	Fields    []Field

	DecodeOK    bool
	DecodeError string
}

// Call is decoded transaction input.
type Call struct {
	Selector  string
	Name      string
	Signature string
	Fields    []Field

	// ValueTransfer marks input shorter than a selector: a plain transfer.
	ValueTransfer bool

	DecodeOK    bool
	DecodeError string
}

// DecodeLog matches the log's topic0 against the event store and decodes
// indexed parameters from the remaining topics and non-indexed parameters
// from the data payload, in declared order.
func DecodeLog(lg *types.Log, events sigdb.Store) Log {
	out := Log{
		Address:     lg.Address,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		TxIndex:     lg.TxIndex,
		LogIndex:    lg.Index,
	}
	if len(lg.Topics) == 0 {
		out.DecodeError = ErrUnknownTopic0
		return out
	}
	out.Topic0 = lg.Topics[0]

	entry := events.Lookup(lg.Topics[0].Hex())
	if entry == nil {
		out.DecodeError = ErrUnknownTopic0
		return out
	}
	out.Name = entry.Name
	out.Signature = entry.Signature

	fields, err := decodeLogParams(lg, entry)
	if err != nil {
		out.DecodeError = ErrMalformedData
		return out
	}
	out.Fields = fields
	out.DecodeOK = true
	return out
}

func decodeLogParams(lg *types.Log, entry *sigdb.Entry) ([]Field, error) {
	var nonIndexed abi.Arguments
	for _, p := range entry.Params {
		if !p.Indexed {
			nonIndexed = append(nonIndexed, abi.Argument{Name: p.Name, Type: p.Type})
		}
	}
	var dataVals []any
	if len(nonIndexed) > 0 {
		vals, err := nonIndexed.Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack data: %w", err)
		}
		dataVals = vals
	}

	fields := make([]Field, 0, len(entry.Params))
	topicIdx := 1
	dataIdx := 0
	for _, p := range entry.Params {
		f := Field{Name: p.Name, RawType: p.RawType, Indexed: p.Indexed}
		if p.Indexed {
			if topicIdx >= len(lg.Topics) {
				return nil, fmt.Errorf("missing topic for indexed param %s", p.Name)
			}
			v, err := decodeTopic(lg.Topics[topicIdx], p.Type)
			if err != nil {
				return nil, err
			}
			f.Value = v
			topicIdx++
		} else {
			f.Value = dataVals[dataIdx]
			dataIdx++
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// decodeTopic decodes a single 32-byte topic word. Dynamic types (string,
// bytes, arrays) are stored on chain as their hash; the hash is surfaced
// as-is since the preimage is unrecoverable.
func decodeTopic(topic common.Hash, typ abi.Type) (any, error) {
	switch typ.T {
	case abi.StringTy, abi.BytesTy, abi.SliceTy, abi.ArrayTy, abi.TupleTy:
		return topic, nil
	}
	vals, err := abi.Arguments{{Type: typ}}.Unpack(topic.Bytes())
	if err != nil {
		return nil, fmt.Errorf("unpack topic: %w", err)
	}
	return vals[0], nil
}

// DecodeCall matches the leading 4 bytes of transaction input as a function
// selector and decodes the remaining bytes positionally. Input shorter than
// a selector is treated as a plain value transfer with no function match.
func DecodeCall(input []byte, funcs sigdb.Store) Call {
	if len(input) < 4 {
		return Call{ValueTransfer: true}
	}

	out := Call{Selector: "0x" + hex.EncodeToString(input[:4])}
	entry := funcs.Lookup(out.Selector)
	if entry == nil {
		out.DecodeError = ErrUnknownSelector
		return out
	}
	out.Name = entry.Name
	out.Signature = entry.Signature

	var args abi.Arguments
	for _, p := range entry.Params {
		args = append(args, abi.Argument{Name: p.Name, Type: p.Type})
	}
	var vals []any
	if len(args) > 0 {
		v, err := args.Unpack(input[4:])
		if err != nil {
			out.DecodeError = ErrMalformedData
			return out
		}
		vals = v
	}
	for i, p := range entry.Params {
		out.Fields = append(out.Fields, Field{Name: p.Name, RawType: p.RawType, Value: vals[i]})
	}
	out.DecodeOK = true
	return out
}

// FieldValue returns the value of the named field, or nil.
func FieldValue(fields []Field, name string) any {
	for _, f := range fields {
		if f.Name == name {
			return f.Value
		}
	}
	return nil
}

// FormatValue renders a decoded value as a stable string for output.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case common.Address:
		return strings.ToLower(x.Hex())
	case common.Hash:
		return x.Hex()
	case *big.Int:
		return x.String()
	case []byte:
		return "0x" + hex.EncodeToString(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case string:
		return x
	case [32]byte:
		return "0x" + hex.EncodeToString(x[:])
	}
	if vs, ok := v.([]any); ok {
		parts := make([]string, len(vs))
		for i, e := range vs {
			parts[i] = FormatValue(e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return fmt.Sprintf("%v", v)
}

// StringFields renders all fields as ordered (name, string) pairs for
// collaborators that only deal in text.
func StringFields(fields []Field) [][2]string {
	out := make([][2]string, len(fields))
	for i, f := range fields {
		out[i] = [2]string{f.Name, FormatValue(f.Value)}
	}
	return out
}
