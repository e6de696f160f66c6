// Package dynval implements the dynamic value substrate the session
// engine stores: JSON-shaped values (nil, bool, float64, string, []any,
// map[string]any) plus the deep clone/equal/merge/reconcile helpers the
// update and migration paths build on.
package dynval

import (
	"fmt"
)

// Value is a JSON-shaped dynamic value. After Normalize it is one of:
// nil, bool, float64, string, []any, map[string]any.
type Value = any

// Normalize converts v into canonical JSON shapes: integer and float
// types become float64, nested containers are normalized recursively.
// It returns an error for types that have no JSON shape.
func Normalize(v Value) (Value, error) {
	switch t := v.(type) {
	case nil, bool, string, float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// Clone returns a deep copy of v. Scalars are returned as-is; maps and
// slices are copied recursively.
func Clone(v Value) Value {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	default:
		return t
	}
}

// Equal reports deep equality of two values. Numeric types compare by
// value regardless of Go type.
func Equal(a, b Value) bool {
	if an, ok := toFloat(a); ok {
		bn, ok := toFloat(b)
		return ok && an == bn
	}
	switch at := a.(type) {
	case nil:
		return b == nil
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func toFloat(v Value) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

// FillDefaults returns data with any key missing relative to defaults
// filled in with a clone of the default value, recursing into nested
// maps. Existing values are never overwritten. data itself is not
// mutated; the result shares unmodified subtrees with data.
func FillDefaults(data Value, defaults map[string]any) Value {
	m, ok := data.(map[string]any)
	if !ok {
		return data
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for k, d := range defaults {
		cur, ok := out[k]
		if !ok {
			out[k] = Clone(d)
			continue
		}
		if dm, ok := d.(map[string]any); ok {
			out[k] = FillDefaults(cur, dm)
		}
	}
	return out
}

// Reconcile merges updated into the shape of old with structural
// sharing: any subtree of updated that deep-equals the corresponding
// subtree of old yields the old reference, so observers holding the old
// value see minimal churn. Subtrees that differ come from updated.
//
// An empty updated map over a non-empty old map yields a fresh empty
// map rather than aliasing the caller's object.
func Reconcile(old, updated Value) Value {
	if Equal(old, updated) {
		return old
	}
	switch ut := updated.(type) {
	case map[string]any:
		om, ok := old.(map[string]any)
		if !ok {
			return Clone(ut)
		}
		if len(ut) == 0 {
			return map[string]any{}
		}
		out := make(map[string]any, len(ut))
		for k, uv := range ut {
			if ov, ok := om[k]; ok {
				out[k] = Reconcile(ov, uv)
			} else {
				out[k] = Clone(uv)
			}
		}
		return out
	case []any:
		ol, ok := old.([]any)
		if !ok {
			return Clone(ut)
		}
		out := make([]any, len(ut))
		for i, uv := range ut {
			if i < len(ol) {
				out[i] = Reconcile(ol[i], uv)
			} else {
				out[i] = Clone(uv)
			}
		}
		return out
	default:
		return ut
	}
}
