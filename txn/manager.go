// Package txn is the transaction manager: it allocates monotonic
// transaction IDs, reserves exclusive access to the set of tree names a
// transaction touches, and durably records every committed transaction in
// an append-only log that doubles as the system's linearization point.
//
// Grounded on nebari's roots.rs TransactionManager (the type
// Data.transactions holds, and that ExecutingTransaction.commit pushes
// into after every tree's dirty nodes are flushed but before any tree
// state is published), and physically on the teacher's btree/wal.go
// append-only, CRC-framed record log.
package txn

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/nebari-go/nebari/filemgr"
	"github.com/nebari-go/nebari/internal/metrics"
	"github.com/nebari-go/nebari/internal/nlog"
	"github.com/nebari-go/nebari/nebarierr"
)

var recordMagic = [4]byte{'N', 'T', 'X', 'N'}

// Handle identifies one in-flight transaction and the tree names it has
// reserved. A zero Handle is invalid; IDs start at 1.
type Handle struct {
	ID        uint64
	TreeNames [][]byte
}

// Manager serializes commits to a single append-only log and arbitrates
// exclusive, all-or-nothing access to tree names across concurrent
// transactions.
//
// Reservation is a coarser mechanism than roots.rs's per-tree FIFO queue:
// a global lock guards a set of "busy" names, and a transaction that can't
// acquire every name it needs waits on a condition variable and retries
// the whole set once any name is released. This is deadlock-free (no
// transaction ever holds a partial reservation) but not strictly FIFO
// across transactions with disjoint name sets; nebari's own ordering
// guarantee is only ever described as "all or nothing," so this keeps
// that invariant without reproducing per-name queue bookkeeping.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	busy   map[string]bool
	nextID uint64

	handle filemgr.Handle
	offset int64
}

// Open creates or reopens the transaction log at path, replaying every
// record to recover the last allocated transaction ID.
func Open(mgr filemgr.Manager, path string) (*Manager, error) {
	handle, err := mgr.Append(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		busy:   make(map[string]bool),
		handle: handle,
	}
	m.cond = sync.NewCond(&m.mu)

	lastID, offset, err := m.replay()
	if err != nil {
		return nil, err
	}
	m.nextID = lastID
	m.offset = offset
	return m, nil
}

// replay scans every committed record from the start of the log, returning
// the highest transaction ID seen and the byte offset immediately after
// the last valid record (a torn trailing record, from a crash mid-write,
// is silently truncated away — the next Push overwrites it).
func (m *Manager) replay() (lastID uint64, offset int64, err error) {
	err = m.handle.Execute(func(f *os.File) error {
		var pos int64
		for {
			rec, recLen, rerr := readRecordAt(f, pos)
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				break
			}
			if rerr != nil {
				nlog.WithComponent("txn").Warn().Err(rerr).Int64("offset", pos).Msg("stopping replay at corrupt transaction record")
				break
			}
			lastID = rec.id
			pos += recLen
		}
		offset = pos
		return nil
	})
	return lastID, offset, err
}

type record struct {
	id        uint64
	treeNames [][]byte
}

// encode lays out: magic(4) | id(8) | treeCount(2) | {nameLen(2) name}* | crc32(4).
func encodeRecord(id uint64, treeNames [][]byte) []byte {
	size := 4 + 8 + 2 + 4
	for _, n := range treeNames {
		size += 2 + len(n)
	}
	buf := make([]byte, size)
	copy(buf[0:4], recordMagic[:])
	binary.BigEndian.PutUint64(buf[4:12], id)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(treeNames)))
	off := 14
	for _, n := range treeNames {
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(n)))
		off += 2
		copy(buf[off:off+len(n)], n)
		off += len(n)
	}
	crc := crc32.ChecksumIEEE(buf[:off])
	binary.BigEndian.PutUint32(buf[off:off+4], crc)
	return buf
}

// readRecordAt reads one record starting at pos, returning its decoded
// form and total on-disk length (including the trailing CRC).
func readRecordAt(f *os.File, pos int64) (record, int64, error) {
	head := make([]byte, 14)
	if _, err := io.ReadFull(sectionReader(f, pos), head); err != nil {
		return record{}, 0, err
	}
	if string(head[0:4]) != string(recordMagic[:]) {
		return record{}, 0, nebarierr.DataIntegrity("bad transaction record magic at offset %d", pos)
	}
	id := binary.BigEndian.Uint64(head[4:12])
	treeCount := binary.BigEndian.Uint16(head[12:14])

	body := make([]byte, 0, 16*int(treeCount))
	body = append(body, head...)
	names := make([][]byte, treeCount)
	off := int64(14)
	for i := 0; i < int(treeCount); i++ {
		lenBuf := make([]byte, 2)
		if _, err := io.ReadFull(sectionReader(f, pos+off), lenBuf); err != nil {
			return record{}, 0, io.ErrUnexpectedEOF
		}
		nameLen := binary.BigEndian.Uint16(lenBuf)
		body = append(body, lenBuf...)
		off += 2
		name := make([]byte, nameLen)
		if nameLen > 0 {
			if _, err := io.ReadFull(sectionReader(f, pos+off), name); err != nil {
				return record{}, 0, io.ErrUnexpectedEOF
			}
		}
		body = append(body, name...)
		names[i] = name
		off += int64(nameLen)
	}

	crcBuf := make([]byte, 4)
	if _, err := io.ReadFull(sectionReader(f, pos+off), crcBuf); err != nil {
		return record{}, 0, io.ErrUnexpectedEOF
	}
	off += 4

	want := binary.BigEndian.Uint32(crcBuf)
	got := crc32.ChecksumIEEE(body)
	if want != got {
		return record{}, 0, nebarierr.DataIntegrity("transaction record crc mismatch at offset %d", pos)
	}

	return record{id: id, treeNames: names}, off, nil
}

func sectionReader(f *os.File, at int64) io.Reader {
	return io.NewSectionReader(f, at, 1<<62)
}

// Reserve blocks until every name in treeNames is free, then marks them
// all busy atomically and returns a release function. Names are sorted
// internally so two transactions requesting overlapping sets never
// deadlock against each other.
func (m *Manager) Reserve(treeNames [][]byte) (release func(), err error) {
	sorted := sortedCopy(treeNames)

	m.mu.Lock()
	for m.anyBusyLocked(sorted) {
		m.cond.Wait()
	}
	for _, n := range sorted {
		m.busy[string(n)] = true
	}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		for _, n := range sorted {
			delete(m.busy, string(n))
		}
		m.mu.Unlock()
		m.cond.Broadcast()
	}, nil
}

func (m *Manager) anyBusyLocked(names [][]byte) bool {
	for _, n := range names {
		if m.busy[string(n)] {
			return true
		}
	}
	return false
}

func sortedCopy(names [][]byte) [][]byte {
	out := make([][]byte, len(names))
	copy(out, names)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && string(out[j-1]) > string(out[j]); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// AllocateID reserves the next transaction ID without writing anything to
// the log. Callers use it to stamp a tree's header pointer block with an ID
// before that tree's file is durable, then call Append once every involved
// tree's data has actually reached disk — see roots.Roots.commit, which
// needs the ID before it can write a trailer but must not declare the
// transaction committed until the trailer itself is fsynced.
func (m *Manager) AllocateID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// Append durably writes the record for a previously allocated id, naming
// the trees it covers, and fsyncs before returning. This is the
// linearization point: a transaction is considered committed once Append
// returns nil. id must have come from AllocateID and must not have been
// passed to Append before.
func (m *Manager) Append(id uint64, treeNames [][]byte) error {
	buf := encodeRecord(id, treeNames)
	err := m.handle.Execute(func(f *os.File) error {
		// The pooled handle is opened O_APPEND, which rejects WriteAt: cut the
		// file back to the end of the last valid record, then append there.
		if err := f.Truncate(m.offset); err != nil {
			return err
		}
		if _, err := f.Write(buf); err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			return err
		}
		m.offset += int64(len(buf))
		return nil
	})
	if err != nil {
		metrics.TransactionsRolledBackTotal.Inc()
		return err
	}
	metrics.TransactionsCommittedTotal.Inc()
	return nil
}

// Push is AllocateID followed by Append, for callers (such as the tests)
// that have no reason to write a tree-level trailer before the log record.
func (m *Manager) Push(treeNames [][]byte) (uint64, error) {
	id := m.AllocateID()
	if err := m.Append(id, treeNames); err != nil {
		return 0, err
	}
	return id, nil
}

// Abandon reverts the allocation of id, for a caller that called AllocateID
// but then failed before ever reaching Append (e.g. a tree flush failed
// mid-commit). It only decrements nextID when id is still the tail — if
// another transaction has since allocated a later id, abandoning id would
// either do nothing useful or, worse, let that later id be allocated twice,
// so Abandon is a no-op in that case and id is simply never reused.
func (m *Manager) Abandon(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextID == id {
		m.nextID--
	}
}

// CurrentTransactionID returns the highest transaction ID considered live:
// either durably committed via Append, or allocated and not yet abandoned.
// It is 0 if none has ever committed. A caller that calls AllocateID and
// then fails before Append must call Abandon so this never reports an id
// that was never actually logged.
func (m *Manager) CurrentTransactionID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID
}

// Close releases the manager's log handle. The handle is pooled by
// filemgr, whose pooled Close is a no-op; the file is only closed when the
// path is removed through the file manager's Delete.
func (m *Manager) Close() error {
	return m.handle.Close()
}
