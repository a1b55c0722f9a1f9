package chunkstore

import (
	"encoding/binary"
	"hash/crc32"
)

// Page tag classes. Zero is reserved for continuation pages; nonzero
// values mark the first page of something new, distinguished for backward
// recovery scans (roots' recovery only looks for TagHeaderPointerBlock).
const (
	TagContinuation      byte = 0
	TagDataChunk         byte = 1
	TagRootHeader        byte = 2
	TagHeaderPointerBlock byte = 3
)

const chunkHeaderLength = 8 // u32 length + u32 crc32

// PagedWriter frames chunks into the fixed-size paged layout described in
// spec §4.2: every page starts with a 1-byte tag, a chunk's 8-byte header
// never crosses a page boundary, and payload bytes may otherwise straddle
// pages freely.
//
// Grounded on the teacher's btree/pager.go page-buffering discipline,
// adapted from Rust's Read/Write-trait-based chunk writer since nebari's
// original paged-file module wasn't part of the retrieved source set.
type PagedWriter struct {
	pageSize int

	// pending holds bytes generated since the last Flush, including any
	// tag bytes, in true file-offset order.
	pending []byte
	// base is the absolute file offset that pending[0] will land at.
	base uint64
	// curPageUsed counts bytes already placed in the page currently being
	// filled (including its tag byte). 0 means the next write must start a
	// fresh page.
	curPageUsed int
}

// NewPagedWriter creates a writer that will append starting at fileSize,
// continuing any partially-filled trailing page rather than wasting it.
func NewPagedWriter(pageSize int, fileSize uint64) *PagedWriter {
	used := int(fileSize % uint64(pageSize))
	return &PagedWriter{
		pageSize:    pageSize,
		base:        fileSize,
		curPageUsed: used,
	}
}

func (w *PagedWriter) position() uint64 {
	return w.base + uint64(len(w.pending))
}

func (w *PagedWriter) startNewPage(tag byte) {
	w.pending = append(w.pending, tag)
	w.curPageUsed = 1
}

// padCurrentPage fills the rest of the in-progress page with zero bytes and
// marks it full, so the next write starts a fresh page.
func (w *PagedWriter) padCurrentPage() {
	if w.curPageUsed == 0 || w.curPageUsed >= w.pageSize {
		return
	}
	pad := w.pageSize - w.curPageUsed
	w.pending = append(w.pending, make([]byte, pad)...)
	w.curPageUsed = w.pageSize
}

// writeBytes appends data to the stream, rolling onto continuation pages
// (tag 0) as needed. It never starts a fresh page unless the current one is
// exhausted.
func (w *PagedWriter) writeBytes(data []byte) {
	for len(data) > 0 {
		if w.curPageUsed == 0 || w.curPageUsed >= w.pageSize {
			w.startNewPage(TagContinuation)
		}
		avail := w.pageSize - w.curPageUsed
		n := avail
		if n > len(data) {
			n = len(data)
		}
		w.pending = append(w.pending, data[:n]...)
		w.curPageUsed += n
		data = data[n:]
	}
}

// WriteChunk frames payload as length|crc32|payload and writes it through
// the paged stream, returning the absolute file offset of the chunk's
// header (its "position" for later reads). firstPageTag is the tag to use
// if a fresh page is needed to fit the header.
func (w *PagedWriter) WriteChunk(payload []byte, firstPageTag byte) uint64 {
	header := make([]byte, chunkHeaderLength)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if w.curPageUsed == 0 {
		w.startNewPage(firstPageTag)
	} else if w.pageSize-w.curPageUsed < chunkHeaderLength {
		w.padCurrentPage()
		w.startNewPage(firstPageTag)
	}

	pos := w.position()
	w.writeBytes(header)
	w.writeBytes(payload)
	return pos
}

// WriteHeaderPointerBlock writes a fixed-size, page-aligned trailer chunk:
// it always starts on a fresh page and pads the remainder of that page with
// zeros, so recovery can scan backward page-by-page looking for the last
// page tagged TagHeaderPointerBlock without ambiguity about where it ends.
func (w *PagedWriter) WriteHeaderPointerBlock(content []byte) uint64 {
	w.padCurrentPage()
	w.startNewPage(TagHeaderPointerBlock)
	pos := w.position()
	w.writeBytes(content)
	w.padCurrentPage()
	return pos
}

// Bytes returns the bytes generated since the writer was created or last
// flushed, and the absolute offset they start at.
func (w *PagedWriter) Bytes() (base uint64, data []byte) {
	return w.base, w.pending
}

// MarkFlushed drops the buffered bytes after the caller has durably
// persisted them, advancing base to the new end of stream.
func (w *PagedWriter) MarkFlushed() {
	w.base += uint64(len(w.pending))
	w.pending = nil
}

// Len returns the number of unflushed bytes currently buffered.
func (w *PagedWriter) Len() int { return len(w.pending) }
