// Package querykey derives the deterministic string key a parameter map
// caches under: keys sorted ascending, values serialized as a canonical
// JSON array in that order.
package querykey

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"
)

// Derive returns the canonical query key for params: keys sorted
// ascending, values re-serialized as a JSON array in that key order. Two
// maps with equal values under equal keys produce identical keys
// regardless of Go map iteration order.
func Derive(params map[string]any) string {
	if len(params) == 0 {
		return "[]"
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = params[k]
	}

	// json.Marshal preserves slice order, so the sorted value sequence
	// survives encoding.
	out, err := json.Marshal(values)
	if err != nil {
		// Only reachable for values json.Marshal fundamentally cannot
		// encode (channels, funcs); fall back to a stable placeholder so
		// Derive never panics on caller-supplied parameter values.
		return fmt.Sprintf("[]marshal-error:%v", err)
	}
	return string(out)
}

// Fingerprint returns a fast 64-bit hash of v's canonical JSON encoding.
// The parameter resolver uses it as a cheap pre-check before
// reflect.DeepEqual when comparing a reactive cell's new value against
// the last observed one.
func Fingerprint(v any) (uint64, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, false
	}
	return xxh3.Hash(b), true
}
