// Package delta computes and applies JSON merge-patch deltas between
// revision bodies, the encoding Pusher/Puller exchange instead of a full
// body when the peer already holds a close ancestor.
//
// No example in the retrieved corpus implements a document delta format,
// so this follows RFC 7396 JSON Merge Patch: an object diff recurses
// key-by-key, a key present in base but absent from target becomes an
// explicit null in the delta, and any non-object difference (including
// arrays) replaces the value wholesale.
package delta

import (
	"encoding/json"
	"fmt"
)

// Compute returns a merge-patch delta that, applied to base, yields target.
func Compute(base, target []byte) ([]byte, error) {
	var baseVal, targetVal interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseVal); err != nil {
			return nil, fmt.Errorf("delta: invalid base: %w", err)
		}
	}
	if err := json.Unmarshal(target, &targetVal); err != nil {
		return nil, fmt.Errorf("delta: invalid target: %w", err)
	}

	patch := diff(baseVal, targetVal)
	return json.Marshal(patch)
}

func diff(base, target interface{}) interface{} {
	baseObj, baseIsObj := base.(map[string]interface{})
	targetObj, targetIsObj := target.(map[string]interface{})
	if !baseIsObj || !targetIsObj {
		return target
	}

	out := make(map[string]interface{})
	for k, tv := range targetObj {
		bv, existed := baseObj[k]
		if !existed {
			out[k] = tv
			continue
		}
		if equalJSON(bv, tv) {
			continue
		}
		out[k] = diff(bv, tv)
	}
	for k := range baseObj {
		if _, stillPresent := targetObj[k]; !stillPresent {
			out[k] = nil
		}
	}
	return out
}

func equalJSON(a, b interface{}) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

// Apply applies a merge-patch delta (as produced by Compute, or received
// from a peer) to base, returning the reconstructed body.
func Apply(base, patch []byte) ([]byte, error) {
	var baseVal interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseVal); err != nil {
			return nil, fmt.Errorf("delta: invalid base: %w", err)
		}
	}
	var patchVal interface{}
	if err := json.Unmarshal(patch, &patchVal); err != nil {
		return nil, fmt.Errorf("delta: invalid patch: %w", err)
	}

	merged := merge(baseVal, patchVal)
	return json.Marshal(merged)
}

func merge(base, patch interface{}) interface{} {
	patchObj, patchIsObj := patch.(map[string]interface{})
	if !patchIsObj {
		return patch
	}
	baseObj, baseIsObj := base.(map[string]interface{})
	if !baseIsObj {
		baseObj = make(map[string]interface{})
	}

	out := make(map[string]interface{}, len(baseObj))
	for k, v := range baseObj {
		out[k] = v
	}
	for k, pv := range patchObj {
		if pv == nil {
			delete(out, k)
			continue
		}
		out[k] = merge(out[k], pv)
	}
	return out
}
