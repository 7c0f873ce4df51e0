package state

import (
	"strconv"
	"strings"
)

// splitPath turns "a.b.0.c" into its segments. An empty path has none.
func splitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// index parses a list index segment.
func index(segment string) (int, bool) {
	n, err := strconv.Atoi(segment)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Lookup walks obj along a dotted path. Numeric segments index lists; on maps
// they are ordinary keys.
func Lookup(obj any, path string) (any, bool) {
	cur := obj
	for _, seg := range splitPath(path) {
		if m, ok := toMap(cur); ok {
			next, found := m[seg]
			if !found {
				return nil, false
			}
			cur = next
			continue
		}
		list, ok := toList(cur)
		if !ok {
			return nil, false
		}
		i, ok := index(seg)
		if !ok || i >= len(list) {
			return nil, false
		}
		cur = list[i]
	}
	return cur, true
}

// Get returns the value at path, or def when any segment is missing.
func Get(obj any, path string, def any) any {
	if v, ok := Lookup(obj, path); ok {
		return v
	}
	return def
}

// Set returns a copy of obj with value stored at path. obj is never modified:
// every container along the path is copied. Missing containers are created
// (a list when the next segment is numeric, a map otherwise) and lists are
// padded with nil when the index is past their end.
func Set(obj any, path string, value any) any {
	segs := splitPath(path)
	if len(segs) == 0 {
		return value
	}
	return setAt(obj, segs, value)
}

func setAt(obj any, segs []string, value any) any {
	seg := segs[0]
	rest := segs[1:]

	if i, numeric := index(seg); numeric {
		if list, ok := toList(obj); ok {
			out := make([]any, max(len(list), i+1))
			copy(out, list)
			out[i] = descend(out[i], rest, value)
			return out
		}
		if _, isMap := toMap(obj); !isMap {
			out := make([]any, i+1)
			out[i] = descend(nil, rest, value)
			return out
		}
	}

	src, _ := toMap(obj)
	out := make(map[string]any, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	out[seg] = descend(out[seg], rest, value)
	return out
}

func descend(child any, rest []string, value any) any {
	if len(rest) == 0 {
		return value
	}
	return setAt(child, rest, value)
}

// Delete returns a copy of obj without the element at path. Deleting from a
// list removes the element and shifts the tail. Missing paths return obj
// unchanged.
func Delete(obj any, path string) any {
	segs := splitPath(path)
	if len(segs) == 0 {
		return obj
	}
	if _, ok := Lookup(obj, path); !ok {
		return obj
	}
	return deleteAt(obj, segs)
}

func deleteAt(obj any, segs []string) any {
	seg := segs[0]
	last := len(segs) == 1

	if list, ok := toList(obj); ok {
		i, _ := index(seg)
		if last {
			out := make([]any, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...)
		}
		out := make([]any, len(list))
		copy(out, list)
		out[i] = deleteAt(out[i], segs[1:])
		return out
	}

	src, _ := toMap(obj)
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	if last {
		delete(out, seg)
	} else {
		out[seg] = deleteAt(out[seg], segs[1:])
	}
	return out
}

func toMap(obj any) (map[string]any, bool) {
	switch v := obj.(type) {
	case map[string]any:
		return v, true
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

func toList(obj any) ([]any, bool) {
	switch v := obj.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}
