package btreeengine

import (
	"bytes"

	"github.com/nebari-go/nebari/chunkstore"
	"github.com/nebari-go/nebari/nebarierr"
	"github.com/nebari-go/nebari/serial"
)

// DefaultOrder matches the teacher's btree.Config.Order default: a fanout
// tuned for 4 KiB pages.
const DefaultOrder = 128

// BTree is one generic B-Tree instance: a root node plus the chunk store it
// reads and writes through, and the Index/Stats strategy functions that
// parameterize it for a particular tree variant (unversioned, by-id,
// by-sequence).
type BTree[I Index, R Stats] struct {
	store *chunkstore.Store
	order int

	decodeIndex DecodeIndex[I]
	decodeStats DecodeStats[R]
	reduce      ReduceFunc[I, R]
	rereduce    RereduceFunc[R]

	root         *node[I, R]
	rootPosition uint64
}

// New creates an empty, in-memory-only tree (nothing is persisted until
// Commit is called).
func New[I Index, R Stats](store *chunkstore.Store, order int, decodeIndex DecodeIndex[I], decodeStats DecodeStats[R], reduce ReduceFunc[I, R], rereduce RereduceFunc[R]) *BTree[I, R] {
	if order <= 0 {
		order = DefaultOrder
	}
	return &BTree[I, R]{
		store:       store,
		order:       order,
		decodeIndex: decodeIndex,
		decodeStats: decodeStats,
		reduce:      reduce,
		rereduce:    rereduce,
		root:        newLeaf[I, R](),
	}
}

// Load attaches a BTree to an already-committed root, read lazily from
// rootPosition on first descent.
func Load[I Index, R Stats](store *chunkstore.Store, order int, rootPosition uint64, decodeIndex DecodeIndex[I], decodeStats DecodeStats[R], reduce ReduceFunc[I, R], rereduce RereduceFunc[R]) (*BTree[I, R], error) {
	t := New(store, order, decodeIndex, decodeStats, reduce, rereduce)
	if rootPosition == 0 {
		return t, nil
	}
	buf, err := store.ReadChunk(rootPosition)
	if err != nil {
		return nil, err
	}
	root, err := deserializeNode[I, R](buf, decodeIndex, decodeStats)
	if err != nil {
		return nil, err
	}
	t.root = root
	t.rootPosition = rootPosition
	return t, nil
}

// RootPosition returns the position of the last committed root chunk, or 0
// if nothing has been committed yet.
func (t *BTree[I, R]) RootPosition() uint64 { return t.rootPosition }

// Snapshot captures the tree's current root pointer and committed position.
// Because every mutation replaces t.root with newly built nodes rather than
// editing existing ones in place, a snapshot is just these two fields: a
// transaction that wants to roll back can restore them and every node built
// since the snapshot becomes unreachable garbage.
type Snapshot[I Index, R Stats] struct {
	root         *node[I, R]
	rootPosition uint64
}

func (t *BTree[I, R]) Snapshot() Snapshot[I, R] {
	return Snapshot[I, R]{root: t.root, rootPosition: t.rootPosition}
}

func (t *BTree[I, R]) Restore(s Snapshot[I, R]) {
	t.root = s.root
	t.rootPosition = s.rootPosition
}

func serializeIndex[I Index](idx I) []byte {
	w := serial.NewWriter()
	idx.Serialize(w)
	return w.Bytes()
}

// loadChild resolves an interior entry to its in-memory node, reading and
// caching it from the chunk store if only a position is known. Concrete
// decoded nodes are themselves cached by the chunk store's generation+
// position key so repeated descents into a hot subtree skip deserializing
// when possible.
func (t *BTree[I, R]) loadChild(e *interiorEntry[I, R]) (*node[I, R], error) {
	if e.Child != nil {
		return e.Child, nil
	}
	key := chunkstore.ChunkKey{Generation: t.store.Generation(), Position: e.Position}
	if entry, ok := t.store.Cache().Get(key); ok && entry.Decoded != nil {
		if n, ok := entry.Decoded.(*node[I, R]); ok {
			e.Child = n
			return n, nil
		}
	}
	buf, err := t.store.ReadChunk(e.Position)
	if err != nil {
		return nil, err
	}
	n, err := deserializeNode[I, R](buf, t.decodeIndex, t.decodeStats)
	if err != nil {
		return nil, err
	}
	t.store.Cache().ReplaceWithDecoded(key, n)
	e.Child = n
	return n, nil
}

// Get returns the index stored for key.
func (t *BTree[I, R]) Get(key []byte) (I, bool, error) {
	n := t.root
	for !n.Leaf {
		if len(n.Interiors) == 0 {
			var zero I
			return zero, false, nil
		}
		idx := n.childFor(key)
		child, err := t.loadChild(&n.Interiors[idx])
		if err != nil {
			var zero I
			return zero, false, err
		}
		n = child
	}
	idx, ok := n.search(key)
	if !ok {
		var zero I
		return zero, false, nil
	}
	return n.Leaves[idx].Value, true, nil
}

func (t *BTree[I, R]) recomputeStats(n *node[I, R]) R {
	if n.Leaf {
		indexes := make([]I, len(n.Leaves))
		for i, e := range n.Leaves {
			indexes[i] = e.Value
		}
		return t.reduce(indexes)
	}
	stats := make([]R, len(n.Interiors))
	for i, e := range n.Interiors {
		stats[i] = e.Stats
	}
	return t.rereduce(stats)
}

// mutationKind selects the behavior of a single-key mutation applied during
// the recursive copy-on-write descent.
type mutationKind int

const (
	mutateSet mutationKind = iota
	mutateRemove
	mutateCompareAndSwap
)

// Set inserts or overwrites the index for key.
func (t *BTree[I, R]) Set(key []byte, value I) error {
	if len(key) > serial.MaxKeyLength {
		return nebarierr.ErrKeyTooLarge
	}
	newRoot, split, _, _, err := t.mutateNode(t.root, key, mutateSet, value, nil)
	if err != nil {
		return err
	}
	t.applyRootResult(newRoot, split)
	return nil
}

// Remove deletes key if present, returning its former index.
func (t *BTree[I, R]) Remove(key []byte) (I, bool, error) {
	newRoot, split, existing, existed, err := t.mutateNode(t.root, key, mutateRemove, *new(I), nil)
	if err != nil {
		var zero I
		return zero, false, err
	}
	t.applyRootResult(newRoot, split)
	return existing, existed, nil
}

// CompareAndSwap sets key to newValue only if its current index serializes
// to the same bytes as expected (nil expected means "key must not exist").
// On mismatch it returns a *nebarierr.ConflictError carrying the current
// serialized index.
func (t *BTree[I, R]) CompareAndSwap(key []byte, expected *I, newValue I) error {
	if len(key) > serial.MaxKeyLength {
		return nebarierr.ErrKeyTooLarge
	}
	newRoot, split, _, _, err := t.mutateNode(t.root, key, mutateCompareAndSwap, newValue, expected)
	if err != nil {
		return err
	}
	t.applyRootResult(newRoot, split)
	return nil
}

func (t *BTree[I, R]) applyRootResult(newRoot, split *node[I, R]) {
	if newRoot == nil {
		newRoot = newLeaf[I, R]()
	}
	if split == nil {
		t.root = newRoot
		return
	}
	// The root split: build a new interior root with two children.
	root := &node[I, R]{Leaf: false}
	root.Interiors = append(root.Interiors,
		interiorEntry[I, R]{Key: newRoot.maxKey(), Stats: t.recomputeStats(newRoot), Child: newRoot},
		interiorEntry[I, R]{Key: split.maxKey(), Stats: t.recomputeStats(split), Child: split},
	)
	t.root = root
}

// mutateNode applies a single-key mutation to n (or a subtree rooted at n),
// returning the rewritten node, an optional split sibling if n overflowed,
// and the index that existed at key before the mutation (if any).
//
// Deletions never borrow from or merge with siblings: an emptied leaf is
// simply dropped from its parent's entry list, and an interior that loses
// its last child is emptied in turn. Reclaiming that slack is Compact's
// job, not every Remove's — the same trade the teacher's own
// mergeOrRedistribute makes ("Merge is an optimization, not critical for
// correctness").
func (t *BTree[I, R]) mutateNode(n *node[I, R], key []byte, kind mutationKind, value I, expected *I) (updated, split *node[I, R], existing I, existed bool, err error) {
	if n.Leaf {
		return t.mutateLeaf(n, key, kind, value, expected)
	}

	idx := n.childFor(key)
	child, loadErr := t.loadChild(&n.Interiors[idx])
	if loadErr != nil {
		return nil, nil, existing, false, loadErr
	}

	newChild, childSplit, existing, existed, err := t.mutateNode(child, key, kind, value, expected)
	if err != nil {
		return nil, nil, existing, existed, err
	}

	next := &node[I, R]{Leaf: false, Interiors: append([]interiorEntry[I, R]{}, n.Interiors...)}
	if newChild == nil {
		next.Interiors = append(next.Interiors[:idx], next.Interiors[idx+1:]...)
	} else {
		next.Interiors[idx] = interiorEntry[I, R]{Key: newChild.maxKey(), Stats: t.recomputeStats(newChild), Child: newChild}
		if childSplit != nil {
			entry := interiorEntry[I, R]{Key: childSplit.maxKey(), Stats: t.recomputeStats(childSplit), Child: childSplit}
			next.Interiors = append(next.Interiors, interiorEntry[I, R]{})
			copy(next.Interiors[idx+2:], next.Interiors[idx+1:])
			next.Interiors[idx+1] = entry
		}
	}

	if len(next.Interiors) == 0 {
		return nil, nil, existing, existed, nil
	}
	if len(next.Interiors) > t.order {
		mid := len(next.Interiors) / 2
		left := &node[I, R]{Leaf: false, Interiors: next.Interiors[:mid]}
		right := &node[I, R]{Leaf: false, Interiors: next.Interiors[mid:]}
		return left, right, existing, existed, nil
	}
	return next, nil, existing, existed, nil
}

func (t *BTree[I, R]) mutateLeaf(n *node[I, R], key []byte, kind mutationKind, value I, expected *I) (updated, split *node[I, R], existing I, existed bool, err error) {
	idx, found := n.search(key)

	if found {
		existing = n.Leaves[idx].Value
		existed = true
	}

	if kind == mutateCompareAndSwap {
		switch {
		case expected == nil && found:
			return n, nil, existing, existed, &nebarierr.ConflictError{Existing: serializeIndex(existing)}
		case expected != nil && !found:
			return n, nil, existing, existed, &nebarierr.ConflictError{Existing: nil}
		case expected != nil && found && !bytes.Equal(serializeIndex(*expected), serializeIndex(existing)):
			return n, nil, existing, existed, &nebarierr.ConflictError{Existing: serializeIndex(existing)}
		}
	}

	leaves := append([]leafEntry[I]{}, n.Leaves...)
	switch kind {
	case mutateSet, mutateCompareAndSwap:
		if found {
			leaves[idx] = leafEntry[I]{Key: key, Value: value}
		} else {
			leaves = append(leaves, leafEntry[I]{})
			copy(leaves[idx+1:], leaves[idx:])
			leaves[idx] = leafEntry[I]{Key: append([]byte{}, key...), Value: value}
		}
	case mutateRemove:
		if !found {
			return n, nil, existing, existed, nil
		}
		leaves = append(leaves[:idx], leaves[idx+1:]...)
	}

	if len(leaves) == 0 {
		return nil, nil, existing, existed, nil
	}
	if len(leaves) > t.order {
		mid := len(leaves) / 2
		left := &node[I, R]{Leaf: true, Leaves: leaves[:mid]}
		right := &node[I, R]{Leaf: true, Leaves: leaves[mid:]}
		return left, right, existing, existed, nil
	}
	return &node[I, R]{Leaf: true, Leaves: leaves}, nil, existing, existed, nil
}

// Commit walks every dirty (in-memory-only) node bottom-up, writes each as
// a chunk, and finally writes the root itself, returning its position.
// Clean subtrees (Position != 0, whether or not the child has since been
// loaded into memory) are left untouched.
func (t *BTree[I, R]) Commit(cacheOnWrite bool) (uint64, error) {
	pos, err := t.commitNode(t.root, cacheOnWrite)
	if err != nil {
		return 0, err
	}
	t.rootPosition = pos
	return pos, nil
}

func (t *BTree[I, R]) commitNode(n *node[I, R], cacheOnWrite bool) (uint64, error) {
	if !n.Leaf {
		for i := range n.Interiors {
			e := &n.Interiors[i]
			// Mutations always build a fresh entry with Position 0, so an
			// entry that still has a position is unchanged on disk.
			if e.Position != 0 || e.Child == nil {
				continue
			}
			pos, err := t.commitNode(e.Child, cacheOnWrite)
			if err != nil {
				return 0, err
			}
			e.Position = pos
		}
	}
	return t.store.WriteChunk(n.serialize(), chunkstore.TagDataChunk, cacheOnWrite)
}
