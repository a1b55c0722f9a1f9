package tree

import (
	"bytes"
	"encoding/binary"

	"github.com/nebari-go/nebari/btreeengine"
	"github.com/nebari-go/nebari/chunkstore"
	"github.com/nebari-go/nebari/nebarierr"
	"github.com/nebari-go/nebari/serial"
)

// VersionedRoot is a pair of co-located B-Trees sharing one file and one
// commit: by_id maps each live key to its current sequence,
// by_sequence is the append-only history every write and delete appends to.
//
// Grounded on nebari's by_sequence.rs for the sequence-side index/stats;
// the by-id side and the pairing discipline follow the same shape the
// spec's versioned tree describes, since the original source for
// tree/versioned.rs wasn't part of the retrieved set.
type VersionedRoot struct {
	store        *chunkstore.Store
	byID         *btreeengine.BTree[VersionedByIDIndex, CountStats]
	bySequence   *btreeengine.BTree[BySequenceIndex, BySequenceStats]
	nextSequence uint64
}

func sequenceKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}

// NewVersionedRoot creates an empty versioned tree over store.
func NewVersionedRoot(store *chunkstore.Store, order int) *VersionedRoot {
	return &VersionedRoot{
		store:      store,
		byID:       btreeengine.New(store, order, decodeVersionedByIDIndex, decodeCountStats, reduceCount[VersionedByIDIndex], rereduceCount),
		bySequence: btreeengine.New(store, order, decodeBySequenceIndex, decodeBySequenceStats, reduceBySequence, rereduceBySequence),
	}
}

// OpenVersionedRoot reopens a tree from a previously committed header:
// u64 byIDPosition | u64 bySequencePosition | u64 nextSequence.
func OpenVersionedRoot(store *chunkstore.Store, order int, header []byte) (*VersionedRoot, error) {
	r := serial.NewReader(header)
	byIDPos, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	bySeqPos, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	nextSeq, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	byID, err := btreeengine.Load(store, order, byIDPos, decodeVersionedByIDIndex, decodeCountStats, reduceCount[VersionedByIDIndex], rereduceCount)
	if err != nil {
		return nil, err
	}
	bySeq, err := btreeengine.Load(store, order, bySeqPos, decodeBySequenceIndex, decodeBySequenceStats, reduceBySequence, rereduceBySequence)
	if err != nil {
		return nil, err
	}
	return &VersionedRoot{store: store, byID: byID, bySequence: bySeq, nextSequence: nextSeq}, nil
}

func (v *VersionedRoot) Kind() Kind { return KindVersioned }

// CurrentSequenceID returns the last sequence number allocated, matching
// TransactionTree<VersionedTreeRoot,_>::current_sequence_id.
func (v *VersionedRoot) CurrentSequenceID() uint64 { return v.nextSequence }

func (v *VersionedRoot) Get(key []byte) ([]byte, bool, error) {
	idx, ok, err := v.byID.Get(key)
	if err != nil || !ok || idx.Deleted {
		return nil, false, err
	}
	value, err := readValue(v.store, idx.Value)
	return value, true, err
}

func (v *VersionedRoot) GetMultiple(keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		val, ok, err := v.Get(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[string(k)] = val
		}
	}
	return out, nil
}

// appendSequence allocates the next sequence number and records a
// by_sequence history entry for it.
func (v *VersionedRoot) appendSequence(key, value []byte, deleted bool, ref valueRef) (uint64, error) {
	seq := v.nextSequence + 1
	if err := v.bySequence.Set(sequenceKey(seq), BySequenceIndex{
		DocumentID:   append([]byte{}, key...),
		DocumentSize: uint32(len(value)),
		Position:     ref.Position,
		Deleted:      deleted,
	}); err != nil {
		return 0, err
	}
	v.nextSequence = seq
	return seq, nil
}

func (v *VersionedRoot) Set(key, value []byte) error {
	ref, err := writeValue(v.store, value, true)
	if err != nil {
		return err
	}
	seq, err := v.appendSequence(key, value, false, ref)
	if err != nil {
		return err
	}
	return v.byID.Set(key, VersionedByIDIndex{SequenceID: seq, Value: ref})
}

func (v *VersionedRoot) Replace(key, value []byte) ([]byte, bool, error) {
	previous, existed, err := v.Get(key)
	if err != nil {
		return nil, false, err
	}
	if err := v.Set(key, value); err != nil {
		return nil, false, err
	}
	return previous, existed, nil
}

// Remove tombstones key: the by_id entry is dropped so Get stops finding
// it, but a deleted by_sequence entry is appended so history/replication
// readers still observe the delete event.
func (v *VersionedRoot) Remove(key []byte) ([]byte, bool, error) {
	idx, existed, err := v.byID.Get(key)
	if err != nil || !existed || idx.Deleted {
		return nil, false, err
	}
	previous, err := readValue(v.store, idx.Value)
	if err != nil {
		return nil, false, err
	}
	if _, err := v.appendSequence(key, nil, true, valueRef{}); err != nil {
		return nil, false, err
	}
	if _, _, err := v.byID.Remove(key); err != nil {
		return nil, false, err
	}
	return previous, true, nil
}

func (v *VersionedRoot) CompareAndSwap(key []byte, old []byte, hasOld bool, new []byte) error {
	current, found, err := v.Get(key)
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
		_, _, err := v.Remove(key)
		return err
	}
	return v.Set(key, new)
}

func (v *VersionedRoot) Scan(evaluator btreeengine.KeyEvaluator, callback func(key, value []byte) (bool, error), forwards bool) error {
	return v.byID.Scan(evaluator, func(key []byte, idx VersionedByIDIndex) (bool, error) {
		if idx.Deleted {
			return true, nil
		}
		value, err := readValue(v.store, idx.Value)
		if err != nil {
			return false, err
		}
		return callback(key, value)
	}, forwards)
}

func (v *VersionedRoot) LastKey() ([]byte, bool, error) {
	return v.byID.LastKey()
}

func (v *VersionedRoot) Last() ([]byte, []byte, bool, error) {
	key, idx, found, err := v.byID.Last()
	if err != nil || !found || idx.Deleted {
		return nil, nil, false, err
	}
	value, err := readValue(v.store, idx.Value)
	return key, value, true, err
}

// History returns every by_sequence entry with sequence > since, in
// ascending sequence order, the hook for reading history back instead of
// scanning by_id (a SUPPLEMENTED
// feature: the distilled spec never named it, but a versioned tree without
// a way to read its own history back is nebari in name only).
func (v *VersionedRoot) History(since uint64, callback func(seq uint64, entry BySequenceIndex) (bool, error)) error {
	lowerBound := sequenceKey(since + 1)
	return v.bySequence.Scan(func(key []byte) btreeengine.KeyEvaluation {
		if bytes.Compare(key, lowerBound) < 0 {
			return btreeengine.EvalSkip
		}
		return btreeengine.EvalRead
	}, func(key []byte, idx BySequenceIndex) (bool, error) {
		return callback(binary.BigEndian.Uint64(key), idx)
	}, true)
}

func (v *VersionedRoot) Commit(cacheOnWrite bool) ([]byte, error) {
	byIDPos, err := v.byID.Commit(cacheOnWrite)
	if err != nil {
		return nil, err
	}
	bySeqPos, err := v.bySequence.Commit(cacheOnWrite)
	if err != nil {
		return nil, err
	}
	w := serial.NewWriter()
	w.WriteUint64(byIDPos)
	w.WriteUint64(bySeqPos)
	w.WriteUint64(v.nextSequence)
	return w.Bytes(), nil
}

func (v *VersionedRoot) Compact(dest *chunkstore.Store) (Root, error) {
	byIDPos, err := v.byID.CompactWithMigration(dest, func(old VersionedByIDIndex) (VersionedByIDIndex, error) {
		if old.Deleted || old.Value.Length == 0 {
			return old, nil
		}
		value, err := readValue(v.store, old.Value)
		if err != nil {
			return old, err
		}
		ref, err := writeValue(dest, value, false)
		old.Value = ref
		return old, err
	})
	if err != nil {
		return nil, err
	}
	bySeqPos, err := v.bySequence.CompactWithMigration(dest, func(old BySequenceIndex) (BySequenceIndex, error) {
		if old.Deleted || old.DocumentSize == 0 {
			return old, nil
		}
		value, err := readValue(v.store, valueRef{Position: old.Position, Length: old.DocumentSize})
		if err != nil {
			return old, err
		}
		ref, err := writeValue(dest, value, false)
		old.Position = ref.Position
		return old, err
	})
	if err != nil {
		return nil, err
	}

	order := btreeengine.DefaultOrder
	byID, err := btreeengine.Load(dest, order, byIDPos, decodeVersionedByIDIndex, decodeCountStats, reduceCount[VersionedByIDIndex], rereduceCount)
	if err != nil {
		return nil, err
	}
	bySeq, err := btreeengine.Load(dest, order, bySeqPos, decodeBySequenceIndex, decodeBySequenceStats, reduceBySequence, rereduceBySequence)
	if err != nil {
		return nil, err
	}
	return &VersionedRoot{store: dest, byID: byID, bySequence: bySeq, nextSequence: v.nextSequence}, nil
}

// versionedSnapshot bundles both co-located trees' snapshots with the
// sequence counter so a rollback undoes every piece of a versioned write
// (the by-id entry, the by-sequence history append, and the allocation
// itself) atomically.
type versionedSnapshot struct {
	byID         btreeengine.Snapshot[VersionedByIDIndex, CountStats]
	bySequence   btreeengine.Snapshot[BySequenceIndex, BySequenceStats]
	nextSequence uint64
}

func (v *VersionedRoot) Snapshot() any {
	return versionedSnapshot{
		byID:         v.byID.Snapshot(),
		bySequence:   v.bySequence.Snapshot(),
		nextSequence: v.nextSequence,
	}
}

func (v *VersionedRoot) Restore(snapshot any) {
	s := snapshot.(versionedSnapshot)
	v.byID.Restore(s.byID)
	v.bySequence.Restore(s.bySequence)
	v.nextSequence = s.nextSequence
}
