package template

import (
	"strconv"
	"strings"

	"github.com/rendis/testpilot/pkg/schema"
)

// pathSegment is one step of a parsed accessor path: either a field name or
// a numeric array index.
type pathSegment struct {
	field   string
	index   int
	isIndex bool
}

// splitPath parses a simplified accessor path into segments. The grammar is
// dotted field access plus [n] numeric indices: "items[0].id", "a.b.c".
// A bare all-digit segment ("headers.0") is kept as a field and reinterpreted
// as an index at traversal time when the current value is an array. Wildcards,
// filters, negative indices, and bracket-quoted keys are not supported.
func splitPath(path string) ([]pathSegment, error) {
	var segments []pathSegment

	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, schema.NewErrorf(schema.ErrCodeMalformedExpression,
				"empty segment in path %q", path)
		}

		rest := part
		for {
			open := strings.IndexByte(rest, '[')
			if open == -1 {
				if rest != "" {
					segments = append(segments, pathSegment{field: rest})
				}
				break
			}
			if open > 0 {
				segments = append(segments, pathSegment{field: rest[:open]})
			}
			closeIdx := strings.IndexByte(rest[open:], ']')
			if closeIdx == -1 {
				return nil, schema.NewErrorf(schema.ErrCodeMalformedExpression,
					"unterminated index in path %q", path)
			}
			idxText := rest[open+1 : open+closeIdx]
			idx, err := strconv.Atoi(idxText)
			if err != nil || idx < 0 {
				return nil, schema.NewErrorf(schema.ErrCodeMalformedExpression,
					"invalid array index %q in path %q", idxText, path)
			}
			segments = append(segments, pathSegment{index: idx, isIndex: true})
			rest = rest[open+closeIdx+1:]
		}
	}

	return segments, nil
}

// traversePath navigates into nested maps/slices. A miss (absent field,
// index out of range, traversal into a scalar) returns (nil, false) rather
// than an error: optional response fields resolve to null.
func traversePath(root any, segments []pathSegment) (any, bool) {
	current := root

	for _, seg := range segments {
		if seg.isIndex {
			arr, ok := current.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			current = arr[seg.index]
			continue
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg.field]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			// Bare numeric segment indexing an array.
			idx, err := strconv.Atoi(seg.field)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}

	return current, true
}

// lookupPath is the combined parse-and-traverse helper used by the resolver.
// Malformed path syntax is a hard error; a well-formed path that misses is a
// soft nil.
func lookupPath(root any, path string) (any, error) {
	if path == "" {
		return root, nil
	}
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	val, ok := traversePath(root, segments)
	if !ok {
		return nil, nil
	}
	return val, nil
}
