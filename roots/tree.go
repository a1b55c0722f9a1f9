package roots

import (
	"github.com/nebari-go/nebari/btreeengine"
	"github.com/nebari-go/nebari/tree"
)

// Tree is a single named tree reached through a Roots façade. Every method
// here reserves the tree for its own duration and auto-commits before
// returning, the single-operation convenience layer roots.rs's
// TransactionTree sits underneath (there, reached by opening a one-tree
// transaction and committing immediately after).
type Tree struct {
	roots *Roots
	name  string
	kind  tree.Kind
}

// Tree returns a handle to name, which is created as an empty tree of kind
// on first use if it doesn't already exist.
func (r *Roots) Tree(name string, kind tree.Kind) *Tree {
	return &Tree{roots: r, name: name, kind: kind}
}

func (t *Tree) withState(fn func(ts *treeState) error) error {
	release, err := t.roots.txns.Reserve([][]byte{[]byte(t.name)})
	if err != nil {
		return err
	}
	defer release()

	ts, err := t.roots.state(t.name, t.kind)
	if err != nil {
		return err
	}
	return fn(ts)
}

func (t *Tree) Get(key []byte) (value []byte, found bool, err error) {
	err = t.withState(func(ts *treeState) error {
		value, found, err = ts.root.Get(key)
		return err
	})
	return value, found, err
}

func (t *Tree) GetMultiple(keys [][]byte) (result map[string][]byte, err error) {
	err = t.withState(func(ts *treeState) error {
		result, err = ts.root.GetMultiple(keys)
		return err
	})
	return result, err
}

func (t *Tree) Set(key, value []byte) error {
	return t.withState(func(ts *treeState) error {
		snap := ts.root.Snapshot()
		if err := ts.root.Set(key, value); err != nil {
			return err
		}
		if err := t.roots.commit([]*treeState{ts}); err != nil {
			ts.root.Restore(snap)
			return err
		}
		return nil
	})
}

func (t *Tree) Replace(key, value []byte) (previous []byte, existed bool, err error) {
	err = t.withState(func(ts *treeState) error {
		snap := ts.root.Snapshot()
		previous, existed, err = ts.root.Replace(key, value)
		if err != nil {
			return err
		}
		if err := t.roots.commit([]*treeState{ts}); err != nil {
			ts.root.Restore(snap)
			return err
		}
		return nil
	})
	return previous, existed, err
}

func (t *Tree) Remove(key []byte) (previous []byte, existed bool, err error) {
	err = t.withState(func(ts *treeState) error {
		snap := ts.root.Snapshot()
		previous, existed, err = ts.root.Remove(key)
		if err != nil {
			return err
		}
		if err := t.roots.commit([]*treeState{ts}); err != nil {
			ts.root.Restore(snap)
			return err
		}
		return nil
	})
	return previous, existed, err
}

func (t *Tree) CompareAndSwap(key []byte, old []byte, hasOld bool, new []byte) error {
	return t.withState(func(ts *treeState) error {
		snap := ts.root.Snapshot()
		if err := ts.root.CompareAndSwap(key, old, hasOld, new); err != nil {
			return err
		}
		if err := t.roots.commit([]*treeState{ts}); err != nil {
			ts.root.Restore(snap)
			return err
		}
		return nil
	})
}

func (t *Tree) Scan(evaluator btreeengine.KeyEvaluator, callback func(key, value []byte) (bool, error), forwards bool) error {
	return t.withState(func(ts *treeState) error {
		return ts.root.Scan(evaluator, callback, forwards)
	})
}

func (t *Tree) LastKey() (key []byte, found bool, err error) {
	err = t.withState(func(ts *treeState) error {
		key, found, err = ts.root.LastKey()
		return err
	})
	return key, found, err
}

func (t *Tree) Last() (key, value []byte, found bool, err error) {
	err = t.withState(func(ts *treeState) error {
		key, value, found, err = ts.root.Last()
		return err
	})
	return key, value, found, err
}

// CurrentSequenceID reports the last sequence number allocated by a
// versioned tree. It returns 0 for an unversioned tree.
func (t *Tree) CurrentSequenceID() (seq uint64, err error) {
	err = t.withState(func(ts *treeState) error {
		if v, ok := ts.root.(*tree.VersionedRoot); ok {
			seq = v.CurrentSequenceID()
		}
		return nil
	})
	return seq, err
}

// History replays a versioned tree's by-sequence entries with sequence >
// since. It is a no-op returning nil for an unversioned tree.
func (t *Tree) History(since uint64, callback func(seq uint64, entry tree.BySequenceIndex) (bool, error)) error {
	return t.withState(func(ts *treeState) error {
		v, ok := ts.root.(*tree.VersionedRoot)
		if !ok {
			return nil
		}
		return v.History(since, callback)
	})
}
