package exprlang

import (
	"fmt"
	"strconv"
	"strings"
)

// GetPath reads a dotted path (e.g. "state.votes", "_branch.output") out of
// root, where root is one of env's four sections or a map assembled from
// them. Returns (nil, false) if any segment is missing.
func GetPath(root map[string]any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	segs := strings.Split(path, ".")
	var cur any = root
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if idx, isIdx := arrayIndex(seg); isIdx {
			arr, ok := m[idx.field].([]any)
			if !ok || idx.i < 0 || idx.i >= len(arr) {
				return nil, false
			}
			cur = arr[idx.i]
			continue
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// SetPath writes value at the dotted path within root, creating intermediate
// maps as needed. Used by FieldMapping application and fan-in merge
// strategies.
func SetPath(root map[string]any, path string, value any) {
	if path == "" {
		return
	}
	segs := strings.Split(path, ".")
	cur := root
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
}

type arrayIdx struct {
	field string
	i     int
}

// arrayIndex parses a segment of the form "field[0]"; plain segments are not
// array indices.
func arrayIndex(seg string) (arrayIdx, bool) {
	open := strings.IndexByte(seg, '[')
	if open < 0 || !strings.HasSuffix(seg, "]") {
		return arrayIdx{}, false
	}
	n, err := strconv.Atoi(seg[open+1 : len(seg)-1])
	if err != nil {
		return arrayIdx{}, false
	}
	return arrayIdx{field: seg[:open], i: n}, true
}

// SectionRoot resolves the top-level section name a dotted path belongs to
// ("input", "state", "output", "_branch") and the remainder of the path.
func SectionRoot(path string) (section, rest string, err error) {
	i := strings.IndexByte(path, '.')
	if i < 0 {
		return path, "", nil
	}
	section = path[:i]
	rest = path[i+1:]
	switch section {
	case "input", "state", "output", "_branch":
		return section, rest, nil
	default:
		return "", "", fmt.Errorf("exprlang: unknown context section %q in path %q", section, path)
	}
}
