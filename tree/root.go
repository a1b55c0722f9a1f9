package tree

import (
	"bytes"

	"github.com/nebari-go/nebari/btreeengine"
	"github.com/nebari-go/nebari/chunkstore"
	"github.com/nebari-go/nebari/nebarierr"
	"github.com/nebari-go/nebari/serial"
)

// Kind distinguishes the two tree shapes a header block can describe.
type Kind byte

const (
	KindUnversioned Kind = 0
	KindVersioned   Kind = 1
)

// Root is the value-level interface both tree shapes present to the
// transaction and roots layers: plain key/value bytes in, plain key/value
// bytes out, with the Index/Stats machinery entirely hidden.
//
// Grounded on roots.rs's TransactionTree<Root, F> inherent methods, which
// is exactly this surface (set/get/remove/replace/compare_and_swap/
// get_multiple/scan/last_key/last) implemented once generically over
// Root: tree::Root in the original.
type Root interface {
	Get(key []byte) (value []byte, found bool, err error)
	GetMultiple(keys [][]byte) (map[string][]byte, error)
	Set(key, value []byte) error
	// Replace sets key to value, returning the previous value if any.
	Replace(key, value []byte) (previous []byte, existed bool, err error)
	Remove(key []byte) (previous []byte, existed bool, err error)
	// CompareAndSwap sets key to new only if its current value equals old
	// (hasOld=false means "key must currently be absent"). On mismatch it
	// returns a *nebarierr.ConflictError carrying the actual current value.
	CompareAndSwap(key []byte, old []byte, hasOld bool, new []byte) error
	Scan(evaluator btreeengine.KeyEvaluator, callback func(key, value []byte) (bool, error), forwards bool) error
	LastKey() ([]byte, bool, error)
	Last() (key, value []byte, found bool, err error)

	Kind() Kind
	// Commit writes every dirty node into the store's write buffer and
	// returns the new serialized header recording where to find the
	// committed root(s); the caller flushes the store.
	Commit(cacheOnWrite bool) ([]byte, error)
	// Compact rewrites the tree into dest and returns a Root bound to it.
	Compact(dest *chunkstore.Store) (Root, error)

	// Snapshot and Restore back a transaction's rollback: Snapshot captures
	// the root(s) before any mutation in the transaction, Restore discards
	// everything built since by putting them back. The concrete type
	// returned is private to each Root implementation; callers only ever
	// round-trip it back through the same Root.
	Snapshot() any
	Restore(snapshot any)
}

func readValue(store *chunkstore.Store, ref valueRef) ([]byte, error) {
	if ref.Length == 0 && ref.Position == 0 {
		return []byte{}, nil
	}
	return store.ReadChunk(ref.Position)
}

func writeValue(store *chunkstore.Store, value []byte, cacheOnWrite bool) (valueRef, error) {
	if len(value) == 0 {
		return valueRef{}, nil
	}
	pos, err := store.WriteChunk(value, chunkstore.TagDataChunk, cacheOnWrite)
	if err != nil {
		return valueRef{}, err
	}
	return valueRef{Position: pos, Length: uint32(len(value))}, nil
}

// ---- UnversionedRoot ----------------------------------------------------

// UnversionedRoot is a plain id -> value tree with no history.
type UnversionedRoot struct {
	store *chunkstore.Store
	tree  *btreeengine.BTree[UnversionedIndex, CountStats]
}

// NewUnversionedRoot creates an empty unversioned tree over store.
func NewUnversionedRoot(store *chunkstore.Store, order int) *UnversionedRoot {
	return &UnversionedRoot{
		store: store,
		tree:  btreeengine.New(store, order, decodeUnversionedIndex, decodeCountStats, reduceCount[UnversionedIndex], rereduceCount),
	}
}

// OpenUnversionedRoot reopens a tree from a previously committed header.
func OpenUnversionedRoot(store *chunkstore.Store, order int, header []byte) (*UnversionedRoot, error) {
	r := serial.NewReader(header)
	pos, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	t, err := btreeengine.Load(store, order, pos, decodeUnversionedIndex, decodeCountStats, reduceCount[UnversionedIndex], rereduceCount)
	if err != nil {
		return nil, err
	}
	return &UnversionedRoot{store: store, tree: t}, nil
}

func (u *UnversionedRoot) Kind() Kind { return KindUnversioned }

func (u *UnversionedRoot) Get(key []byte) ([]byte, bool, error) {
	idx, ok, err := u.tree.Get(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	value, err := readValue(u.store, idx.Value)
	return value, true, err
}

func (u *UnversionedRoot) GetMultiple(keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, err := u.Get(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[string(k)] = v
		}
	}
	return out, nil
}

func (u *UnversionedRoot) Set(key, value []byte) error {
	ref, err := writeValue(u.store, value, true)
	if err != nil {
		return err
	}
	return u.tree.Set(key, UnversionedIndex{Value: ref})
}

func (u *UnversionedRoot) Replace(key, value []byte) ([]byte, bool, error) {
	previous, existed, err := u.Get(key)
	if err != nil {
		return nil, false, err
	}
	if err := u.Set(key, value); err != nil {
		return nil, false, err
	}
	return previous, existed, nil
}

func (u *UnversionedRoot) Remove(key []byte) ([]byte, bool, error) {
	idx, existed, err := u.tree.Remove(key)
	if err != nil || !existed {
		return nil, existed, err
	}
	value, err := readValue(u.store, idx.Value)
	return value, true, err
}

func (u *UnversionedRoot) CompareAndSwap(key []byte, old []byte, hasOld bool, new []byte) error {
	current, found, err := u.Get(key)
	if err != nil {
		return err
	}
	switch {
	case !hasOld && found:
		return &nebarierr.ConflictError{Existing: current}
	case hasOld && !found:
		return &nebarierr.ConflictError{Existing: nil}
	case hasOld && found && !bytes.Equal(old, current):
		return &nebarierr.ConflictError{Existing: current}
	}
	if new == nil && hasOld {
		_, _, err := u.Remove(key)
		return err
	}
	return u.Set(key, new)
}

func (u *UnversionedRoot) Scan(evaluator btreeengine.KeyEvaluator, callback func(key, value []byte) (bool, error), forwards bool) error {
	return u.tree.Scan(evaluator, func(key []byte, idx UnversionedIndex) (bool, error) {
		value, err := readValue(u.store, idx.Value)
		if err != nil {
			return false, err
		}
		return callback(key, value)
	}, forwards)
}

func (u *UnversionedRoot) LastKey() ([]byte, bool, error) {
	return u.tree.LastKey()
}

func (u *UnversionedRoot) Last() ([]byte, []byte, bool, error) {
	key, idx, found, err := u.tree.Last()
	if err != nil || !found {
		return nil, nil, found, err
	}
	value, err := readValue(u.store, idx.Value)
	return key, value, true, err
}

func (u *UnversionedRoot) Commit(cacheOnWrite bool) ([]byte, error) {
	pos, err := u.tree.Commit(cacheOnWrite)
	if err != nil {
		return nil, err
	}
	w := serial.NewWriter()
	w.WriteUint64(pos)
	return w.Bytes(), nil
}

func (u *UnversionedRoot) Compact(dest *chunkstore.Store) (Root, error) {
	pos, err := u.tree.CompactWithMigration(dest, func(old UnversionedIndex) (UnversionedIndex, error) {
		if old.Value.Length == 0 {
			return old, nil
		}
		value, err := readValue(u.store, old.Value)
		if err != nil {
			return old, err
		}
		ref, err := writeValue(dest, value, false)
		return UnversionedIndex{Value: ref}, err
	})
	if err != nil {
		return nil, err
	}
	order := btreeengine.DefaultOrder
	t, err := btreeengine.Load(dest, order, pos, decodeUnversionedIndex, decodeCountStats, reduceCount[UnversionedIndex], rereduceCount)
	if err != nil {
		return nil, err
	}
	return &UnversionedRoot{store: dest, tree: t}, nil
}

func (u *UnversionedRoot) Snapshot() any { return u.tree.Snapshot() }

func (u *UnversionedRoot) Restore(snapshot any) {
	u.tree.Restore(snapshot.(btreeengine.Snapshot[UnversionedIndex, CountStats]))
}
