// Package serial provides the shared big-endian, length-prefixed encoding
// primitives used by every on-disk structure above the chunk store: B-Tree
// entries, interior pointers, and tree header blocks.
//
// Grounded on nebari's tree/key_entry.rs and tree/interior.rs, which hand-
// roll the same u16/u32/u64 length-prefixed layout repeatedly; this package
// centralizes it the way the teacher's btree/varint.go centralizes its own
// integer encoding helpers.
package serial

import (
	"encoding/binary"
	"fmt"

	"github.com/nebari-go/nebari/nebarierr"
)

// MaxKeyLength bounds a single key's serialized length, matching the u16
// length prefix key_entry.rs uses (serialize_to writes key.len() as u16).
const MaxKeyLength = 0xFFFF

// Writer accumulates serialized bytes for a single node or header before it
// is handed to the chunk store as one chunk payload.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

func (w *Writer) WriteRaw(b []byte) { w.buf = append(w.buf, b...) }

func (w *Writer) WriteByte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) WriteUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// WriteBytes16 writes a byte slice prefixed by its u16 length, erroring if it
// exceeds MaxKeyLength (the wire format key_entry.rs uses for keys).
func (w *Writer) WriteBytes16(b []byte) error {
	if len(b) > MaxKeyLength {
		return fmt.Errorf("%w: %d bytes", nebarierr.ErrKeyTooLarge, len(b))
	}
	w.WriteUint16(uint16(len(b)))
	w.WriteRaw(b)
	return nil
}

// WriteBytes32 writes a byte slice prefixed by its u32 length, used for
// values and encoded index payloads which are not bound by MaxKeyLength.
func (w *Writer) WriteBytes32(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.WriteRaw(b)
}

// Reader is a forward-only cursor over a deserialized chunk payload.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return nebarierr.DataIntegrity("serial: need %d bytes, have %d", n, r.Remaining())
	}
	return nil
}

func (r *Reader) ReadByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) ReadRaw(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.ReadRaw(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.ReadRaw(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.ReadRaw(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ReadBytes16() ([]byte, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	return r.ReadRaw(int(n))
}

func (r *Reader) ReadBytes32() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	return r.ReadRaw(int(n))
}
