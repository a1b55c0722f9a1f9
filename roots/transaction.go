package roots

import (
	"github.com/nebari-go/nebari/internal/metrics"
	"github.com/nebari-go/nebari/nebarierr"
	"github.com/nebari-go/nebari/tree"
)

// ExecutingTransaction is a reservation over one or more trees plus the
// snapshots needed to undo every mutation made against them. It follows
// the same discipline database/sql's *Tx does rather than Rust's Drop:
// Commit and Rollback both clear the transaction, and Rollback after a
// successful Commit (or after an earlier Rollback) is a no-op, so
// `defer txn.Rollback()` immediately after Begin is always safe to leave in
// place alongside an explicit Commit call on the success path.
//
// Grounded on roots.rs's ExecutingTransaction, whose Drop impl rolls back
// any tree state not yet published; Go has no destructor to hook that
// into, so the caller's defer plays that role explicitly instead.
type ExecutingTransaction struct {
	roots    *Roots
	release  func()
	states   []*treeState
	snapshot []any
	done     bool
}

// Begin reserves every named tree (blocking until all are free), opening
// any that don't exist yet as kind, and returns a transaction ready for
// mutation.
func (r *Roots) Begin(trees map[string]tree.Kind) (*ExecutingTransaction, error) {
	names := make([][]byte, 0, len(trees))
	for name := range trees {
		names = append(names, []byte(name))
	}
	release, err := r.txns.Reserve(names)
	if err != nil {
		return nil, err
	}

	states := make([]*treeState, 0, len(trees))
	snapshots := make([]any, 0, len(trees))
	for name, kind := range trees {
		ts, err := r.state(name, kind)
		if err != nil {
			release()
			return nil, err
		}
		states = append(states, ts)
		snapshots = append(snapshots, ts.root.Snapshot())
	}

	return &ExecutingTransaction{roots: r, release: release, states: states, snapshot: snapshots}, nil
}

// Tree returns the in-transaction handle for name, or nil if name wasn't
// included in Begin's tree set.
func (x *ExecutingTransaction) Tree(name string) *TransactionTree {
	for _, ts := range x.states {
		if ts.name == name {
			return &TransactionTree{ts: ts}
		}
	}
	return nil
}

// Commit flushes and durably logs every tree this transaction touched as
// one atomic record. If any tree's flush or the log append fails, every
// tree's root is restored to its pre-transaction snapshot before Commit
// returns, so a failed commit never leaves a tree pointing at a root that
// was never made durable. After Commit returns (successfully or not) the
// transaction is done; a later Rollback call is a no-op.
func (x *ExecutingTransaction) Commit() error {
	if x.done {
		return nebarierr.Message("transaction already committed or rolled back")
	}
	err := x.roots.commit(x.states)
	if err != nil {
		for i, ts := range x.states {
			ts.root.Restore(x.snapshot[i])
		}
	}
	x.done = true
	x.release()
	return err
}

// Rollback restores every tree to its pre-transaction state. It is a no-op
// if the transaction was already committed or rolled back.
func (x *ExecutingTransaction) Rollback() {
	if x.done {
		return
	}
	for i, ts := range x.states {
		ts.root.Restore(x.snapshot[i])
	}
	x.done = true
	x.release()
	metrics.TransactionsRolledBackTotal.Inc()
}

// TransactionTree is one tree's view inside an in-flight transaction: the
// same Root surface as roots.Tree, minus the auto-commit (the enclosing
// ExecutingTransaction decides when to commit).
type TransactionTree struct {
	ts *treeState
}

func (t *TransactionTree) Get(key []byte) ([]byte, bool, error) { return t.ts.root.Get(key) }

func (t *TransactionTree) GetMultiple(keys [][]byte) (map[string][]byte, error) {
	return t.ts.root.GetMultiple(keys)
}

func (t *TransactionTree) Set(key, value []byte) error { return t.ts.root.Set(key, value) }

func (t *TransactionTree) Replace(key, value []byte) ([]byte, bool, error) {
	return t.ts.root.Replace(key, value)
}

func (t *TransactionTree) Remove(key []byte) ([]byte, bool, error) { return t.ts.root.Remove(key) }

func (t *TransactionTree) CompareAndSwap(key []byte, old []byte, hasOld bool, new []byte) error {
	return t.ts.root.CompareAndSwap(key, old, hasOld, new)
}

// CurrentSequenceID reports the last sequence number allocated so far in
// this transaction (0 for an unversioned tree), matching
// TransactionTree<VersionedTreeRoot,_>::current_sequence_id.
func (t *TransactionTree) CurrentSequenceID() uint64 {
	if v, ok := t.ts.root.(*tree.VersionedRoot); ok {
		return v.CurrentSequenceID()
	}
	return 0
}
