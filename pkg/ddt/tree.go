package ddt

import (
	"github.com/google/btree"
)

// ddtTreeDegree matches the teacher corpus's own default for an in-memory
// ordered index (google/btree's README recommends 32 for typical in-memory
// workloads); there is nothing DDT-specific to tune here.
const ddtTreeDegree = 32

// treeItem is one ddt_tree node: the dirty entry keyed by its encoded
// (class, key) bytes. Ordering is purely lexicographic over that encoded
// key, which is also the ZAP store's own iteration order (encodeKey sorts
// first by checksum), so walking the tree and walking the store agree.
type treeItem struct {
	key   string
	entry dirtyEntry
}

func (a treeItem) Less(than btree.Item) bool {
	return a.key < than.(treeItem).key
}

// orderedTree is the in-memory ddt_tree: an ordered container of entries
// dirtied in the currently-open txg, replacing a plain hash map so the
// tree's iteration order is well-defined (spec.md §8 property 9 validates
// this ordering against a reference AVL implementation, see avl_test.go).
type orderedTree struct {
	bt *btree.BTree
}

func newOrderedTree() *orderedTree {
	return &orderedTree{bt: btree.New(ddtTreeDegree)}
}

func (t *orderedTree) get(key string) (dirtyEntry, bool) {
	item := t.bt.Get(treeItem{key: key})
	if item == nil {
		return dirtyEntry{}, false
	}
	return item.(treeItem).entry, true
}

func (t *orderedTree) set(key string, entry dirtyEntry) {
	t.bt.ReplaceOrInsert(treeItem{key: key, entry: entry})
}

func (t *orderedTree) delete(key string) {
	t.bt.Delete(treeItem{key: key})
}

func (t *orderedTree) len() int {
	return t.bt.Len()
}

// ascend walks the tree in key order, matching the ZAP store's own cursor
// order; stops early if fn returns false.
func (t *orderedTree) ascend(fn func(key string, entry dirtyEntry) bool) {
	t.bt.Ascend(func(item btree.Item) bool {
		ti := item.(treeItem)
		return fn(ti.key, ti.entry)
	})
}
