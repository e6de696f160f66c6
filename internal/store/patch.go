package store

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "gopkg.in/evanphx/json-patch.v4"

	"github.com/meshstore/meshstore/internal/dynval"
)

// Operation is one JSON-Patch (RFC 6902) operation. Transactions record
// the delta between a key's pre- and post-commit state as an ordered
// list of these.
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// diffValues computes the patch transforming old into updated. Maps are
// diffed per key recursively; lists and scalars are replaced wholesale
// when unequal. Returns nil when the values are deep-equal.
func diffValues(old, updated dynval.Value) []Operation {
	return diffAt("", old, updated)
}

func diffAt(path string, old, updated dynval.Value) []Operation {
	if dynval.Equal(old, updated) {
		return nil
	}
	om, oldIsMap := old.(map[string]any)
	um, updIsMap := updated.(map[string]any)
	if !oldIsMap || !updIsMap {
		if path == "" {
			// Root replacement.
			return []Operation{{Op: "replace", Path: "", Value: updated}}
		}
		return []Operation{{Op: "replace", Path: path, Value: updated}}
	}

	var ops []Operation
	for k, ov := range om {
		uv, ok := um[k]
		childPath := path + "/" + escapePointer(k)
		if !ok {
			ops = append(ops, Operation{Op: "remove", Path: childPath})
			continue
		}
		ops = append(ops, diffAt(childPath, ov, uv)...)
	}
	for k, uv := range um {
		if _, ok := om[k]; !ok {
			ops = append(ops, Operation{Op: "add", Path: path + "/" + escapePointer(k), Value: uv})
		}
	}
	return ops
}

// escapePointer escapes a map key for use in a JSON Pointer path.
func escapePointer(key string) string {
	key = strings.ReplaceAll(key, "~", "~0")
	return strings.ReplaceAll(key, "/", "~1")
}

// applyPatch applies ops to value and returns the patched value. The
// input value is not modified. A replace at the root pointer swaps the
// whole document; it is handled here because jsonpatch applies a
// root-path replace as a no-op.
func applyPatch(value dynval.Value, raw json.RawMessage) (dynval.Value, error) {
	var ops []Operation
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("decode transaction patch: %w", err)
	}
	if len(ops) == 1 && ops[0].Op == "replace" && ops[0].Path == "" {
		return dynval.Normalize(ops[0].Value)
	}

	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("decode transaction patch: %w", err)
	}
	doc, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value for patch: %w", err)
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("apply transaction patch: %w", err)
	}
	var out any
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, fmt.Errorf("decode patched value: %w", err)
	}
	return out, nil
}

func marshalOps(ops []Operation) (json.RawMessage, error) {
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encode transaction patch: %w", err)
	}
	return raw, nil
}
