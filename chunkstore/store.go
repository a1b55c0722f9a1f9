package chunkstore

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/google/uuid"

	"github.com/nebari-go/nebari/filemgr"
	"github.com/nebari-go/nebari/internal/metrics"
	"github.com/nebari-go/nebari/nebarierr"
	"github.com/nebari-go/nebari/vault"
)

// DefaultPageSize matches the teacher's default page size and nebari's own
// 4 KiB default.
const DefaultPageSize = 4096

// headerPointerBlockLength is the size of the fixed trailer payload every
// commit ends with: a magic tag, the transaction id the commit belongs to, the absolute
// position of that commit's root header chunk, and a CRC over the three.
const headerPointerBlockLength = 4 + 8 + 8 + 4

var headerPointerMagic = [4]byte{'N', 'B', 'R', 'I'}

// Store is a chunk-framed, optionally vault-encrypted, cached append-only
// file. One Store exists per open tree file.
//
// Grounded on nebari's chunk_cache.rs for the cache boundary and on
// managed_file/fs.rs for the handle it writes through; the page framing
// itself follows the teacher's btree/pager.go buffering style.
type Store struct {
	handle         filemgr.Handle
	writer         *PagedWriter
	vault          vault.Vault
	cache          *Cache
	generation     uuid.UUID
	maxChunkLength int
	pageSize       int
}

// Open attaches a Store to an already-opened append handle, picking up
// wherever the file left off.
func Open(handle filemgr.Handle, pageSize int, v vault.Vault, cache *Cache, maxChunkLength int) (*Store, error) {
	if v == nil {
		v = vault.None{}
	}
	var size int64
	if err := handle.Execute(func(f *os.File) error {
		info, err := f.Stat()
		if err != nil {
			return err
		}
		size = info.Size()
		return nil
	}); err != nil {
		return nil, err
	}
	return &Store{
		handle:         handle,
		writer:         NewPagedWriter(pageSize, uint64(size)),
		vault:          v,
		cache:          cache,
		generation:     uuid.New(),
		maxChunkLength: maxChunkLength,
		pageSize:       pageSize,
	}, nil
}

// Generation returns the cache-invalidation tag for this Store's backing
// file. Compaction reopens a tree against a new file and thus a new
// generation, so stale cache entries from the old file are never served.
func (s *Store) Generation() uuid.UUID { return s.generation }

func (s *Store) Cache() *Cache { return s.cache }

// WriteChunk encrypts payload, frames it, and buffers it for the next
// Flush. cacheOnWrite mirrors write_chunk's cache-on-write parameter from
// chunk_cache.rs: callers writing a node they'll immediately reread (e.g.
// the just-modified root) want it warm in cache; bulk compaction writes
// typically pass false.
func (s *Store) WriteChunk(payload []byte, tag byte, cacheOnWrite bool) (uint64, error) {
	if len(payload) > 0xFFFFFFFF {
		return 0, nebarierr.Message("chunk payload too large: %d bytes", len(payload))
	}
	encrypted, err := s.vault.Encrypt(payload)
	if err != nil {
		return 0, err
	}
	pos := s.writer.WriteChunk(encrypted, tag)
	if cacheOnWrite {
		s.cache.Insert(ChunkKey{Generation: s.generation, Position: pos}, payload)
	}
	return pos, nil
}

// WriteHeaderPointerBlock appends the commit trailer: magic, transactionID,
// and the position of that commit's root header chunk. It is never
// encrypted or cached; recovery must be able to read it before any vault
// key negotiation and it is reread at most once per startup.
func (s *Store) WriteHeaderPointerBlock(transactionID, headerPosition uint64) uint64 {
	content := make([]byte, headerPointerBlockLength)
	copy(content[0:4], headerPointerMagic[:])
	binary.BigEndian.PutUint64(content[4:12], transactionID)
	binary.BigEndian.PutUint64(content[12:20], headerPosition)
	binary.BigEndian.PutUint32(content[20:24], crc32.ChecksumIEEE(content[0:20]))
	return s.writer.WriteHeaderPointerBlock(content)
}

// Flush durably writes every buffered byte and fsyncs the file.
func (s *Store) Flush() error {
	_, data := s.writer.Bytes()
	if len(data) == 0 {
		return nil
	}
	err := s.handle.Execute(func(f *os.File) error {
		if _, err := f.Write(data); err != nil {
			return err
		}
		return f.Sync()
	})
	if err != nil {
		return err
	}
	s.writer.MarkFlushed()
	return nil
}

// ReadChunk returns the decrypted payload bytes stored at position,
// consulting the cache first.
func (s *Store) ReadChunk(position uint64) ([]byte, error) {
	key := ChunkKey{Generation: s.generation, Position: position}
	if entry, ok := s.cache.Get(key); ok && entry.Buffer != nil {
		return entry.Buffer, nil
	}

	header, err := s.readLogical(position, chunkHeaderLength)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	wantCRC := binary.BigEndian.Uint32(header[4:8])

	encrypted, err := s.readLogical(position+chunkHeaderLength, int(length))
	if err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(encrypted) != wantCRC {
		metrics.DataIntegrityErrorsTotal.Inc()
		return nil, nebarierr.DataIntegrity("chunk at position %d failed crc32 check", position)
	}

	payload, err := s.vault.Decrypt(encrypted)
	if err != nil {
		metrics.DataIntegrityErrorsTotal.Inc()
		return nil, nebarierr.DataIntegrity("chunk at position %d failed to decrypt: %v", position, err)
	}
	s.cache.Insert(key, payload)
	return payload, nil
}

// ReadHeaderPointerBlock reads a fixed trailer block written at position and
// validates its self-contained CRC, returning the transaction id and root
// header position it records.
func (s *Store) ReadHeaderPointerBlock(position uint64) (transactionID, headerPosition uint64, err error) {
	content, err := s.readLogical(position, headerPointerBlockLength)
	if err != nil {
		return 0, 0, err
	}
	if string(content[0:4]) != string(headerPointerMagic[:]) {
		return 0, 0, nebarierr.DataIntegrity("header pointer block at %d has bad magic", position)
	}
	wantCRC := binary.BigEndian.Uint32(content[20:24])
	if crc32.ChecksumIEEE(content[0:20]) != wantCRC {
		return 0, 0, nebarierr.DataIntegrity("header pointer block at %d failed crc32 check", position)
	}
	transactionID = binary.BigEndian.Uint64(content[4:12])
	headerPosition = binary.BigEndian.Uint64(content[12:20])
	return transactionID, headerPosition, nil
}

// readLogical reads n content bytes starting at an absolute file offset,
// skipping the 1-byte page tag physically present at each page boundary.
func (s *Store) readLogical(offset uint64, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	pos := offset
	for len(out) < n {
		pageStart := (pos / uint64(s.pageSize)) * uint64(s.pageSize)
		if pos == pageStart {
			// Landed exactly on a tag byte; skip it.
			pos++
			continue
		}
		posInPage := int(pos - pageStart)
		avail := s.pageSize - posInPage
		toRead := n - len(out)
		if toRead > avail {
			toRead = avail
		}
		buf := make([]byte, toRead)
		if err := filemgr.ReadAt(s.handle, buf, int64(pos)); err != nil {
			return nil, err
		}
		out = append(out, buf...)
		pos += uint64(toRead)
	}
	return out, nil
}

// PageSize reports the page size this store's files are framed with.
func (s *Store) PageSize() int { return s.pageSize }

// MaxChunkLength reports the cache bypass threshold.
func (s *Store) MaxChunkLength() int { return s.maxChunkLength }
