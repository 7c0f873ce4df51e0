package state

import (
	"fmt"
	"strconv"
	"strings"
)

// Iterator walks a list whose loop body spans several scheduler steps. The
// cursor lives in the store under a caller-chosen key and is re-read on every
// construction, so a node that advances it and a later node that reads it
// agree without sharing memory.
type Iterator struct {
	items  []any
	key    string
	cursor int
}

// NewIterator wraps items with the cursor stored under cursorKey in v.
func NewIterator(v View, items []any, cursorKey string) *Iterator {
	return &Iterator{
		items:  items,
		key:    cursorKey,
		cursor: readCursor(v, cursorKey),
	}
}

// NewIteratorAt wraps the list stored at itemsPath. A missing or non-list
// value yields an empty iterator.
func NewIteratorAt(v View, itemsPath, cursorKey string) *Iterator {
	raw, _ := v.Lookup(itemsPath)
	items, _ := toList(raw)
	return NewIterator(v, items, cursorKey)
}

func readCursor(v View, key string) int {
	return max(Int(v, key, 0), 0)
}

// Int reads the value at path as an integer. Numbers and numeric strings are
// accepted; anything else yields def.
func Int(v View, path string, def int) int {
	raw, ok := v.Lookup(path)
	if !ok {
		return def
	}
	switch n := raw.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return def
}

// Key returns the cursor key.
func (it *Iterator) Key() string { return it.key }

// Index returns the index of the next item to process.
func (it *Iterator) Index() int { return it.cursor }

// Len returns the number of items.
func (it *Iterator) Len() int { return len(it.items) }

// HasMore reports whether an unprocessed item remains.
func (it *Iterator) HasMore() bool {
	return it.cursor < len(it.items)
}

// Current returns the item at the cursor, or nil when exhausted.
func (it *Iterator) Current() any {
	if !it.HasMore() {
		return nil
	}
	return it.items[it.cursor]
}

// Next advances the cursor and returns the update that persists it. The node
// driving the loop must return (or merge) that update.
func (it *Iterator) Next() Update {
	if it.cursor < len(it.items) {
		it.cursor++
	}
	return Update{it.key: it.cursor}
}

// Remaining returns the unprocessed items.
func (it *Iterator) Remaining() []any {
	if !it.HasMore() {
		return nil
	}
	out := make([]any, len(it.items)-it.cursor)
	copy(out, it.items[it.cursor:])
	return out
}

// Progress renders "<position>/<total>", where position is 1-based while
// items remain and equals total once exhausted.
func (it *Iterator) Progress() string {
	pos := it.cursor + 1
	if pos > len(it.items) {
		pos = len(it.items)
	}
	return fmt.Sprintf("%d/%d", pos, len(it.items))
}

// Reset rewinds the cursor and returns the update that persists it.
func (it *Iterator) Reset() Update {
	it.cursor = 0
	return Update{it.key: 0}
}
