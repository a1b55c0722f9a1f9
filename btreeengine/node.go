// Package btreeengine implements the generic copy-on-write B-Tree node
// engine shared by every tree variant: a leaf holds sorted key/index
// entries, an interior holds sorted child pointers each summarized by a
// reduced Stats value, and every mutation rewrites the path from the
// touched leaf to the root rather than mutating nodes in place.
//
// Grounded on nebari's tree/interior.rs (Pointer/Interior load-and-rewrite
// discipline) and tree/key_entry.rs (leaf entry framing), with the
// teacher's btree.go/page.go supplying the split/merge control flow this
// package generalizes from a fixed key/value page into a generic,
// reducer-driven node.
package btreeengine

import (
	"bytes"

	"github.com/nebari-go/nebari/serial"
)

// Index is the payload a leaf entry carries for one key. Concrete types are
// things like a document position, or an UnversionedIndex/BySequenceIndex
// defined by the tree package.
type Index interface {
	Serialize(w *serial.Writer)
}

// Stats is a reduced summary of a subtree's indexes, carried on every
// interior pointer so range queries and "by document count" style stats can
// skip loading children entirely. It mirrors nebari's Reducer<I>::Summary.
type Stats interface {
	Serialize(w *serial.Writer)
}

// DecodeIndex reconstructs an Index from its serialized form.
type DecodeIndex[I Index] func(r *serial.Reader) (I, error)

// DecodeStats reconstructs a Stats from its serialized form.
type DecodeStats[R Stats] func(r *serial.Reader) (R, error)

// ReduceFunc folds a leaf's indexes into a single Stats value. This is the
// base case of nebari's Reducer::reduce(indexes, rereduce=false).
type ReduceFunc[I Index, R Stats] func(indexes []I) R

// RereduceFunc folds a set of children's already-reduced Stats into one
// Stats value for the parent. This is Reducer::reduce(..., rereduce=true).
type RereduceFunc[R Stats] func(stats []R) R

const (
	leafTag     byte = 0
	interiorTag byte = 1
)

// leafEntry is one key/index pair in a leaf node, framed the way
// key_entry.rs's KeyEntry<I> is: a u16-length-prefixed key followed by the
// serialized index.
type leafEntry[I Index] struct {
	Key   []byte
	Value I
}

// interiorEntry is one child pointer: the maximum key covered by that
// child's subtree, the child's reduced Stats, and either an on-disk
// position or an already-loaded in-memory node (never both stale at once;
// position == 0 means the child only exists in memory and must be
// serialized on the next commit).
type interiorEntry[I Index, R Stats] struct {
	Key      []byte
	Stats    R
	Position uint64
	Child    *node[I, R]
}

// node is one B-Tree node: either a leaf of sorted entries or an interior
// of sorted child pointers, never both.
type node[I Index, R Stats] struct {
	Leaf      bool
	Leaves    []leafEntry[I]
	Interiors []interiorEntry[I, R]
}

func newLeaf[I Index, R Stats]() *node[I, R] {
	return &node[I, R]{Leaf: true}
}

// search returns the index of key in n.Leaves and true if present,
// otherwise the insertion point and false.
func (n *node[I, R]) search(key []byte) (int, bool) {
	lo, hi := 0, len(n.Leaves)
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(n.Leaves[mid].Key, key) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// childFor returns the index of the child whose subtree covers key: the
// first interior entry whose Key (the maximum key in that subtree) is >=
// key, or the last entry if key exceeds every covered range.
func (n *node[I, R]) childFor(key []byte) int {
	lo, hi := 0, len(n.Interiors)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(n.Interiors[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(n.Interiors) {
		lo = len(n.Interiors) - 1
	}
	return lo
}

func (n *node[I, R]) maxKey() []byte {
	if n.Leaf {
		if len(n.Leaves) == 0 {
			return nil
		}
		return n.Leaves[len(n.Leaves)-1].Key
	}
	if len(n.Interiors) == 0 {
		return nil
	}
	return n.Interiors[len(n.Interiors)-1].Key
}

// serialize frames a node as: 1-byte tag, u32 entry count, then entries.
func (n *node[I, R]) serialize() []byte {
	w := serial.NewWriter()
	if n.Leaf {
		w.WriteByte(leafTag)
		w.WriteUint32(uint32(len(n.Leaves)))
		for _, e := range n.Leaves {
			// Key length errors can't occur here: MaxKeyLength is enforced
			// at the public Set/CompareAndSwap boundary before a mutation
			// ever reaches a node.
			_ = w.WriteBytes16(e.Key)
			inner := serial.NewWriter()
			e.Value.Serialize(inner)
			w.WriteBytes32(inner.Bytes())
		}
		return w.Bytes()
	}

	w.WriteByte(interiorTag)
	w.WriteUint32(uint32(len(n.Interiors)))
	for _, e := range n.Interiors {
		_ = w.WriteBytes16(e.Key)
		inner := serial.NewWriter()
		e.Stats.Serialize(inner)
		w.WriteBytes32(inner.Bytes())
		w.WriteUint64(e.Position)
	}
	return w.Bytes()
}

func deserializeNode[I Index, R Stats](buf []byte, decodeIndex DecodeIndex[I], decodeStats DecodeStats[R]) (*node[I, R], error) {
	r := serial.NewReader(buf)
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	count, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}

	n := &node[I, R]{Leaf: tag == leafTag}
	if n.Leaf {
		n.Leaves = make([]leafEntry[I], 0, count)
		for i := uint32(0); i < count; i++ {
			key, err := r.ReadBytes16()
			if err != nil {
				return nil, err
			}
			raw, err := r.ReadBytes32()
			if err != nil {
				return nil, err
			}
			value, err := decodeIndex(serial.NewReader(raw))
			if err != nil {
				return nil, err
			}
			n.Leaves = append(n.Leaves, leafEntry[I]{Key: key, Value: value})
		}
		return n, nil
	}

	n.Interiors = make([]interiorEntry[I, R], 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := r.ReadBytes16()
		if err != nil {
			return nil, err
		}
		raw, err := r.ReadBytes32()
		if err != nil {
			return nil, err
		}
		stats, err := decodeStats(serial.NewReader(raw))
		if err != nil {
			return nil, err
		}
		pos, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		n.Interiors = append(n.Interiors, interiorEntry[I, R]{Key: key, Stats: stats, Position: pos})
	}
	return n, nil
}
