package profile

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/episteme-ai/episteme/internal/types"
)

// Patch limits. Oversized or over-nested patches are rejected before any
// merge work happens.
const (
	MaxPatchBytes = 1 << 20
	MaxPatchDepth = 10
)

// ValidatePatch checks the raw patch for size, shape, and nesting depth
// and returns the decoded object. The profile document is always a JSON
// object, so a patch that is not an object is invalid rather than a
// whole-document replacement.
func ValidatePatch(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, types.NewError(types.KindValidation, "empty profile patch")
	}
	if len(raw) > MaxPatchBytes {
		return nil, types.NewError(types.KindValidation,
			"profile patch exceeds %d bytes", MaxPatchBytes)
	}
	var patch map[string]any
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, types.NewError(types.KindValidation, "profile patch must be a JSON object")
	}
	if d := valueDepth(patch); d > MaxPatchDepth {
		return nil, types.NewError(types.KindValidation,
			"profile patch nests %d levels deep, limit is %d", d, MaxPatchDepth)
	}
	return patch, nil
}

func valueDepth(v any) int {
	switch t := v.(type) {
	case map[string]any:
		max := 0
		for _, child := range t {
			if d := valueDepth(child); d > max {
				max = d
			}
		}
		return max + 1
	case []any:
		max := 0
		for _, child := range t {
			if d := valueDepth(child); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 0
	}
}

// Merge applies an RFC 7396 merge patch to base and returns the result.
// A null value removes the key, arrays replace wholesale, and nested
// objects merge recursively. Neither input is mutated.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		if pv == nil {
			delete(out, k)
			continue
		}
		if pobj, ok := pv.(map[string]any); ok {
			bobj, _ := out[k].(map[string]any)
			out[k] = Merge(bobj, pobj)
			continue
		}
		out[k] = pv
	}
	return out
}

// Change kinds.
const (
	ChangeAdded    = "added"
	ChangeModified = "modified"
	ChangeRemoved  = "removed"
	ChangeRestated = "restated"
)

// Change is one leaf-level effect of a merge patch. Path is dotted.
// Prior is nil for added keys, Next is nil for removed ones.
type Change struct {
	Path  string
	Kind  string
	Prior any
	Next  any
}

// Diff walks the patch against the base document and reports every
// leaf-level effect. Keys are visited in sorted order so the output is
// deterministic. Arrays count as leaves because merge patches replace
// them wholesale.
func Diff(base, patch map[string]any) []Change {
	var out []Change
	diffInto(base, patch, "", &out)
	return out
}

func diffInto(base, patch map[string]any, prefix string, out *[]Change) {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		pv := patch[k]
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		bv, had := base[k]

		if pv == nil {
			if had {
				*out = append(*out, Change{Path: path, Kind: ChangeRemoved, Prior: bv})
			}
			continue
		}
		if pobj, ok := pv.(map[string]any); ok {
			bobj, _ := bv.(map[string]any)
			diffInto(bobj, pobj, path, out)
			continue
		}
		switch {
		case !had:
			*out = append(*out, Change{Path: path, Kind: ChangeAdded, Next: pv})
		case reflect.DeepEqual(bv, pv):
			*out = append(*out, Change{Path: path, Kind: ChangeRestated, Prior: bv, Next: pv})
		default:
			*out = append(*out, Change{Path: path, Kind: ChangeModified, Prior: bv, Next: pv})
		}
	}
}

// ChangedPaths filters a diff down to the paths that actually changed
// the document, in walk order.
func ChangedPaths(changes []Change) []string {
	var out []string
	for _, c := range changes {
		if c.Kind != ChangeRestated {
			out = append(out, c.Path)
		}
	}
	return out
}
