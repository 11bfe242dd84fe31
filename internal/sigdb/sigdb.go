// Package sigdb holds the signature database: mappings from event topic
// hashes and function selectors to named, ordered parameter schemas.
// A Store is loaded once at startup and shared read-only afterwards.
package sigdb

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Param is one declared parameter of an event or function signature.
type Param struct {
	Name    string
	Type    abi.Type
	RawType string
	Indexed bool
}

// Entry describes one known signature: the hex key it is matched by
// (0x-prefixed topic0 for events, 4-byte selector for functions), its name,
// its canonical signature string, and its parameters in declared order.
type Entry struct {
	Key       string
	Name      string
	Signature string
	Params    []Param
}

// Store maps lowercase hex keys to signature entries. Events and functions
// live in separate stores since their keys have different widths.
type Store map[string]*Entry

// jsonParam / jsonEntry mirror the on-disk database format.
type jsonParam struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Indexed bool   `json:"indexed,omitempty"`
}

type jsonEntry struct {
	Name      string      `json:"name"`
	Signature string      `json:"signature"`
	Params    []jsonParam `json:"params"`
}

// LoadEvents reads an event signature database (topic0 keys) from path.
func LoadEvents(path string) (Store, error) {
	return loadFile(path, 32)
}

// LoadFuncs reads a function signature database (selector keys) from path.
func LoadFuncs(path string) (Store, error) {
	return loadFile(path, 4)
}

func loadFile(path string, keyBytes int) (Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signature db %s: %w", path, err)
	}
	store, err := Parse(data, keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse signature db %s: %w", path, err)
	}
	return store, nil
}

// Parse builds a Store from raw JSON. keyBytes is the expected key width
// (32 for events, 4 for functions).
func Parse(data []byte, keyBytes int) (Store, error) {
	var raw map[string]jsonEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	store := make(Store, len(raw))
	for key, je := range raw {
		norm, err := normalizeKey(key, keyBytes)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", key, err)
		}
		entry := &Entry{
			Key:       norm,
			Name:      je.Name,
			Signature: je.Signature,
		}
		for _, jp := range je.Params {
			typ, err := abi.NewType(jp.Type, "", nil)
			if err != nil {
				return nil, fmt.Errorf("entry %q param %q: bad type %q: %w", key, jp.Name, jp.Type, err)
			}
			entry.Params = append(entry.Params, Param{
				Name:    jp.Name,
				Type:    typ,
				RawType: jp.Type,
				Indexed: jp.Indexed,
			})
		}
		store[norm] = entry
	}
	return store, nil
}

// Marshal renders the store back into the on-disk JSON format.
func (s Store) Marshal() ([]byte, error) {
	raw := make(map[string]jsonEntry, len(s))
	for key, e := range s {
		je := jsonEntry{Name: e.Name, Signature: e.Signature}
		for _, p := range e.Params {
			je.Params = append(je.Params, jsonParam{Name: p.Name, Type: p.RawType, Indexed: p.Indexed})
		}
		raw[key] = je
	}
	return json.MarshalIndent(raw, "", "  ")
}

// Lookup returns the entry for a lowercase-normalized hex key, or nil.
func (s Store) Lookup(key string) *Entry {
	return s[strings.ToLower(key)]
}

func normalizeKey(key string, keyBytes int) (string, error) {
	k := strings.ToLower(strings.TrimPrefix(key, "0x"))
	b, err := hex.DecodeString(k)
	if err != nil {
		return "", fmt.Errorf("invalid hex key: %w", err)
	}
	if len(b) != keyBytes {
		return "", fmt.Errorf("key is %d bytes, want %d", len(b), keyBytes)
	}
	return "0x" + k, nil
}

// BuildEventEntry constructs an event entry from a human-readable signature
// such as "Transfer(address indexed from, address indexed to, uint256 value)".
// The key is the keccak256 hash of the canonical signature.
func BuildEventEntry(sig string) (*Entry, error) {
	name, params, err := parseSignature(sig)
	if err != nil {
		return nil, err
	}
	canonical := canonicalSignature(name, params)
	hash := crypto.Keccak256([]byte(canonical))
	return &Entry{
		Key:       "0x" + hex.EncodeToString(hash),
		Name:      name,
		Signature: canonical,
		Params:    params,
	}, nil
}

// BuildFuncEntry constructs a function entry from a human-readable signature
// such as "transfer(address to, uint256 value)". The key is the 4-byte
// selector. Indexed markers are rejected: only events have indexed params.
func BuildFuncEntry(sig string) (*Entry, error) {
	name, params, err := parseSignature(sig)
	if err != nil {
		return nil, err
	}
	for _, p := range params {
		if p.Indexed {
			return nil, fmt.Errorf("function %s: indexed parameter %q not allowed", name, p.Name)
		}
	}
	canonical := canonicalSignature(name, params)
	hash := crypto.Keccak256([]byte(canonical))
	return &Entry{
		Key:       "0x" + hex.EncodeToString(hash[:4]),
		Name:      name,
		Signature: canonical,
		Params:    params,
	}, nil
}

// Add inserts an entry, rejecting duplicate keys.
func (s Store) Add(e *Entry) error {
	if _, ok := s[e.Key]; ok {
		return fmt.Errorf("duplicate signature key %s (%s)", e.Key, e.Name)
	}
	s[e.Key] = e
	return nil
}

func canonicalSignature(name string, params []Param) string {
	types := make([]string, len(params))
	for i, p := range params {
		types[i] = p.RawType
	}
	return name + "(" + strings.Join(types, ",") + ")"
}

// parseSignature splits "Name(type [indexed] [argname], ...)" into its name
// and parameter list.
func parseSignature(sig string) (string, []Param, error) {
	sig = strings.TrimSpace(sig)
	open := strings.IndexByte(sig, '(')
	if open <= 0 || !strings.HasSuffix(sig, ")") {
		return "", nil, fmt.Errorf("malformed signature %q", sig)
	}
	name := strings.TrimSpace(sig[:open])
	body := sig[open+1 : len(sig)-1]

	var params []Param
	if strings.TrimSpace(body) != "" {
		for i, part := range strings.Split(body, ",") {
			fields := strings.Fields(part)
			if len(fields) == 0 {
				return "", nil, fmt.Errorf("signature %q: empty parameter %d", sig, i)
			}
			p := Param{RawType: fields[0]}
			rest := fields[1:]
			if len(rest) > 0 && rest[0] == "indexed" {
				p.Indexed = true
				rest = rest[1:]
			}
			if len(rest) > 1 {
				return "", nil, fmt.Errorf("signature %q: malformed parameter %q", sig, part)
			}
			if len(rest) == 1 {
				p.Name = rest[0]
			} else {
				p.Name = fmt.Sprintf("arg%d", i)
			}
			typ, err := abi.NewType(p.RawType, "", nil)
			if err != nil {
				return "", nil, fmt.Errorf("signature %q: bad type %q: %w", sig, p.RawType, err)
			}
			p.Type = typ
			params = append(params, p)
		}
	}
	return name, params, nil
}
