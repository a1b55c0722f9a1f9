// Package tree implements the two tree variants nebari exposes to callers:
// an UnversionedRoot (a single id -> value B-Tree) and a VersionedRoot (a
// pair of co-located B-Trees, by-id and by-sequence, sharing one file and
// one commit so every write gets a monotonic sequence number and a
// tombstone trail).
//
// Grounded on nebari's tree/by_sequence.rs for the by-sequence index/stats
// shape, and on tree/key_entry.rs for the principle that an Index is a
// small fixed-ish record (here: where a value chunk lives, not the value
// itself) so a leaf node's serialized size stays bounded regardless of
// value size.
package tree

import (
	"github.com/nebari-go/nebari/btreeengine"
	"github.com/nebari-go/nebari/serial"
)

// valueRef points at a value chunk written separately from the node that
// indexes it, the same indirection by_sequence.rs's BySequenceIndex uses
// (document_size + position) rather than embedding value bytes inline.
type valueRef struct {
	Position uint64
	Length   uint32
}

func (v valueRef) Serialize(w *serial.Writer) {
	w.WriteUint64(v.Position)
	w.WriteUint32(v.Length)
}

func decodeValueRef(r *serial.Reader) (valueRef, error) {
	pos, err := r.ReadUint64()
	if err != nil {
		return valueRef{}, err
	}
	length, err := r.ReadUint32()
	if err != nil {
		return valueRef{}, err
	}
	return valueRef{Position: pos, Length: length}, nil
}

// UnversionedIndex is the leaf payload of a plain id -> value tree.
type UnversionedIndex struct {
	Value valueRef
}

func (i UnversionedIndex) Serialize(w *serial.Writer) { i.Value.Serialize(w) }

func decodeUnversionedIndex(r *serial.Reader) (UnversionedIndex, error) {
	v, err := decodeValueRef(r)
	return UnversionedIndex{Value: v}, err
}

// VersionedByIDIndex is the by-id leaf payload of a versioned tree: which
// sequence currently owns this id, and where its value chunk lives.
// VersionedRoot.Remove drops the by-id entry instead of tombstoning it, so
// every entry it writes has Deleted=false; readers still skip an entry
// whose Deleted flag is set.
type VersionedByIDIndex struct {
	SequenceID uint64
	Value      valueRef
	Deleted    bool
}

func (i VersionedByIDIndex) Serialize(w *serial.Writer) {
	w.WriteUint64(i.SequenceID)
	i.Value.Serialize(w)
	if i.Deleted {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func decodeVersionedByIDIndex(r *serial.Reader) (VersionedByIDIndex, error) {
	seq, err := r.ReadUint64()
	if err != nil {
		return VersionedByIDIndex{}, err
	}
	v, err := decodeValueRef(r)
	if err != nil {
		return VersionedByIDIndex{}, err
	}
	deletedByte, err := r.ReadByte()
	if err != nil {
		return VersionedByIDIndex{}, err
	}
	return VersionedByIDIndex{SequenceID: seq, Value: v, Deleted: deletedByte != 0}, nil
}

// BySequenceIndex mirrors nebari's by_sequence.rs exactly: the id a
// sequence number belongs to, the value's size, and its chunk position.
type BySequenceIndex struct {
	DocumentID   []byte
	DocumentSize uint32
	Position     uint64
	Deleted      bool
}

func (i BySequenceIndex) Serialize(w *serial.Writer) {
	w.WriteUint32(i.DocumentSize)
	w.WriteUint64(i.Position)
	if i.Deleted {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	_ = w.WriteBytes16(i.DocumentID)
}

func decodeBySequenceIndex(r *serial.Reader) (BySequenceIndex, error) {
	size, err := r.ReadUint32()
	if err != nil {
		return BySequenceIndex{}, err
	}
	pos, err := r.ReadUint64()
	if err != nil {
		return BySequenceIndex{}, err
	}
	deletedByte, err := r.ReadByte()
	if err != nil {
		return BySequenceIndex{}, err
	}
	id, err := r.ReadBytes16()
	if err != nil {
		return BySequenceIndex{}, err
	}
	return BySequenceIndex{DocumentID: id, DocumentSize: size, Position: pos, Deleted: deletedByte != 0}, nil
}

// CountStats is a reusable Reducer::Summary that simply counts live
// entries, used by both the unversioned tree and a versioned tree's by-id
// side.
type CountStats struct {
	Count uint64
}

func (s CountStats) Serialize(w *serial.Writer) { w.WriteUint64(s.Count) }

func decodeCountStats(r *serial.Reader) (CountStats, error) {
	v, err := r.ReadUint64()
	return CountStats{Count: v}, err
}

func reduceCount[I btreeengine.Index](indexes []I) CountStats {
	return CountStats{Count: uint64(len(indexes))}
}

func rereduceCount(stats []CountStats) CountStats {
	var total uint64
	for _, s := range stats {
		total += s.Count
	}
	return CountStats{Count: total}
}

// BySequenceStats counts by-sequence records, tombstones included, matching
// by_sequence.rs.
type BySequenceStats struct {
	NumberOfRecords uint64
}

func (s BySequenceStats) Serialize(w *serial.Writer) { w.WriteUint64(s.NumberOfRecords) }

func decodeBySequenceStats(r *serial.Reader) (BySequenceStats, error) {
	v, err := r.ReadUint64()
	return BySequenceStats{NumberOfRecords: v}, err
}

func reduceBySequence(indexes []BySequenceIndex) BySequenceStats {
	return BySequenceStats{NumberOfRecords: uint64(len(indexes))}
}

func rereduceBySequence(stats []BySequenceStats) BySequenceStats {
	var total uint64
	for _, s := range stats {
		total += s.NumberOfRecords
	}
	return BySequenceStats{NumberOfRecords: total}
}
