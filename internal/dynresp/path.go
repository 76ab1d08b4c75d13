// Package dynresp implements the Dynamic Response Resolution pipeline
// (§4.5): match selection, sequence selection, external handler delegation,
// and template interpolation. Path extraction and matcher evaluation are
// modeled as a small interpreter over a tagged JSON variant (any produced
// by encoding/json.Unmarshal into interface{}), per the design notes in
// §9 ("no reflective introspection of host types... a closed set of
// variants") — this is the one subsystem kept on the standard library
// rather than a pack dependency, since no example repo ships this exact
// dotted-path-plus-signed-index grammar (see DESIGN.md).
package dynresp

import (
	"strconv"
	"strings"
)

// ExtractPath walks a dotted path with optional [n]/[-n] array indexing
// (e.g. "args.items[-1].name") over a tagged JSON value and returns the
// leaf value, or (nil, false) if any segment is missing or out of range
// (§4.2 step 3, §4.5).
func ExtractPath(root interface{}, path string) (interface{}, bool) {
	if path == "" {
		return root, true
	}
	segments := splitPath(path)
	cur := root
	for _, seg := range segments {
		name, indices := splitIndices(seg)
		if name != "" {
			m, ok := cur.(map[string]interface{})
			if !ok {
				return nil, false
			}
			cur, ok = m[name]
			if !ok {
				return nil, false
			}
		}
		for _, idx := range indices {
			arr, ok := cur.([]interface{})
			if !ok {
				return nil, false
			}
			i := idx
			if i < 0 {
				i = len(arr) + i
			}
			if i < 0 || i >= len(arr) {
				return nil, false
			}
			cur = arr[i]
		}
	}
	return cur, true
}

// splitPath splits path on every '.'; brackets get no special treatment
// here, so a field name that itself contains '.' cannot be addressed.
func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// splitIndices separates a segment like "items[-1][2]" into its field name
// ("items") and the ordered list of indices ([-1, 2]).
func splitIndices(seg string) (string, []int) {
	open := strings.IndexByte(seg, '[')
	if open < 0 {
		return seg, nil
	}
	name := seg[:open]
	rest := seg[open:]
	var indices []int
	for len(rest) > 0 {
		if rest[0] != '[' {
			break
		}
		close := strings.IndexByte(rest, ']')
		if close < 0 {
			break
		}
		numStr := rest[1:close]
		n, err := strconv.Atoi(numStr)
		if err == nil {
			indices = append(indices, n)
		}
		rest = rest[close+1:]
	}
	return name, indices
}
