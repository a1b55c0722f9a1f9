package btreeengine

import "github.com/nebari-go/nebari/chunkstore"

// MigrateFunc rewrites a leaf's Index while compacting, giving the tree
// layer a chance to copy any chunk the Index points to (e.g. a value
// stored out-of-line) into dest and return an Index pointing at its new
// position. The identity function is correct whenever an Index carries no
// such reference.
type MigrateFunc[I Index] func(old I) (I, error)

// Compact rewrites every node of the tree into dest with no leaf
// migration, loading any not-yet-resident children along the way, and
// returns the position of the new root chunk in dest. It does not switch
// the tree onto dest itself — callers swap the tree's store only after
// every tree sharing the old file has been compacted and the new file is
// durably in place (see roots.Roots.Compact).
//
// Grounded on interior.rs's copy_data_to, simplified to skip its
// already-copied-chunk dedup map: copy-on-write commits essentially never
// produce two live pointers at the same position, so the dedup table
// guards a case this engine doesn't create.
func (t *BTree[I, R]) Compact(dest *chunkstore.Store) (uint64, error) {
	return t.CompactWithMigration(dest, func(old I) (I, error) { return old, nil })
}

// CompactWithMigration is Compact, but migrate is invoked once per leaf
// entry so the tree layer can relocate any chunk an Index references
// out-of-line (see tree.UnversionedRoot.Compact).
func (t *BTree[I, R]) CompactWithMigration(dest *chunkstore.Store, migrate MigrateFunc[I]) (uint64, error) {
	return t.compactNode(t.root, dest, migrate)
}

// compactNode builds a fresh node rather than editing n in place: n may
// still be reachable from the live tree's root while compaction is running
// (the caller swaps onto the result only after every tree sharing the old
// file has compacted), so mutating it here would corrupt in-flight reads
// and writes against the original tree the moment a later step fails.
func (t *BTree[I, R]) compactNode(n *node[I, R], dest *chunkstore.Store, migrate MigrateFunc[I]) (uint64, error) {
	var copied *node[I, R]
	if n.Leaf {
		leaves := make([]leafEntry[I], len(n.Leaves))
		for i, e := range n.Leaves {
			migrated, err := migrate(e.Value)
			if err != nil {
				return 0, err
			}
			leaves[i] = leafEntry[I]{Key: e.Key, Value: migrated}
		}
		copied = &node[I, R]{Leaf: true, Leaves: leaves}
	} else {
		interiors := make([]interiorEntry[I, R], len(n.Interiors))
		for i, e := range n.Interiors {
			child, err := t.loadChild(&n.Interiors[i])
			if err != nil {
				return 0, err
			}
			pos, err := t.compactNode(child, dest, migrate)
			if err != nil {
				return 0, err
			}
			interiors[i] = interiorEntry[I, R]{Key: e.Key, Stats: e.Stats, Position: pos}
		}
		copied = &node[I, R]{Leaf: false, Interiors: interiors}
	}
	return dest.WriteChunk(copied.serialize(), chunkstore.TagDataChunk, false)
}

// SetStore repoints the tree at a new chunk store. roots.Roots.Compact does
// not use it; it reopens the compacted tree from its header instead.
func (t *BTree[I, R]) SetStore(store *chunkstore.Store) {
	t.store = store
}
