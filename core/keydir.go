package core

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

// dirEntry is a Directory entry: the location of a key's most recent live
// value plus the write timestamp that earned it that spot.
type dirEntry struct {
	key         []byte
	segmentID   uint32
	valueOffset int64
	valueSize   uint32
	timestamp   uint64
}

func dirEntryLess(a, b dirEntry) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// directory is the in-memory ordered KeyDir: key -> location. It is the
// single source of truth for which record is "live" for a given key, and is
// shared between readers, the writer, and the compactor behind a
// reader-writer lock. The exclusive section for a single mutation covers
// only this map update, never file I/O.
type directory struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[dirEntry]
}

func newDirectory() *directory {
	return &directory{tree: btree.NewG(32, dirEntryLess)}
}

// get returns the current location for key, if any.
func (d *directory) get(key []byte) (dirEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.Get(dirEntry{key: key})
}

// put installs loc as the current location for key and returns the entry it
// replaced, if any. Used both on live writes and recovery/compaction
// rebuilds.
func (d *directory) put(loc dirEntry) (old dirEntry, hadOld bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, hadOld = d.tree.ReplaceOrInsert(loc)
	return old, hadOld
}

// del removes key's entry, reporting whether one existed.
func (d *directory) del(key []byte) (dirEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree.Delete(dirEntry{key: key})
}

// casLocation atomically replaces key's location with newLoc only if it is
// currently exactly oldLoc (segment id and offset). This is the primitive
// the compactor uses to swap in rewritten locations without clobbering a
// write that raced ahead of it.
func (d *directory) casLocation(key []byte, oldLoc, newLoc dirEntry) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, ok := d.tree.Get(dirEntry{key: key})
	if !ok || cur.segmentID != oldLoc.segmentID || cur.valueOffset != oldLoc.valueOffset {
		return false
	}
	d.tree.ReplaceOrInsert(newLoc)
	return true
}

// rangeScan returns every entry with start <= key <= end, in ascending key
// order, as a snapshot taken under a single shared-lock critical section.
func (d *directory) rangeScan(start, end []byte) []dirEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []dirEntry
	d.tree.AscendGreaterOrEqual(dirEntry{key: start}, func(e dirEntry) bool {
		if bytes.Compare(e.key, end) > 0 {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

func (d *directory) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.Len()
}
