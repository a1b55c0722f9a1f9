package chunkstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nebari-go/nebari/common/testutil"
	"github.com/nebari-go/nebari/filemgr"
	"github.com/nebari-go/nebari/vault"
)

func openTestStore(t *testing.T, pageSize int) *Store {
	t.Helper()
	dir := testutil.TempDir(t)
	mgr := filemgr.New()
	handle, err := mgr.Append(filepath.Join(dir, "tree.nebari"))
	require.NoError(t, err)
	store, err := Open(handle, pageSize, vault.None{}, NewCache(64, 1<<20), 1<<20)
	require.NoError(t, err)
	return store
}

func TestWriteReadChunkRoundTrip(t *testing.T) {
	store := openTestStore(t, DefaultPageSize)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	pos, err := store.WriteChunk(payload, TagDataChunk, false)
	require.NoError(t, err)
	require.NoError(t, store.Flush())

	got, err := store.ReadChunk(pos)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestWriteChunkSpansMultiplePages(t *testing.T) {
	// A small page size forces the payload to straddle several pages (the
	// 8-byte chunk header itself never crosses a page boundary).
	store := openTestStore(t, 64)

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}
	pos, err := store.WriteChunk(payload, TagDataChunk, false)
	require.NoError(t, err)
	require.NoError(t, store.Flush())

	got, err := store.ReadChunk(pos)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestMultipleChunksShareAndRollPages(t *testing.T) {
	store := openTestStore(t, 64)

	var positions []uint64
	var payloads [][]byte
	for i := 0; i < 20; i++ {
		p := []byte{byte(i), byte(i + 1), byte(i + 2), byte(i + 3), byte(i + 4)}
		pos, err := store.WriteChunk(p, TagDataChunk, false)
		require.NoError(t, err)
		positions = append(positions, pos)
		payloads = append(payloads, p)
	}
	require.NoError(t, store.Flush())

	for i, pos := range positions {
		got, err := store.ReadChunk(pos)
		require.NoError(t, err)
		require.Equal(t, payloads[i], got)
	}
}

func TestReadChunkDetectsCorruption(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "tree.nebari")
	mgr := filemgr.New()

	handle, err := mgr.Append(path)
	require.NoError(t, err)
	store, err := Open(handle, DefaultPageSize, vault.None{}, NewCache(64, 1<<20), 1<<20)
	require.NoError(t, err)

	pos, err := store.WriteChunk([]byte("original"), TagDataChunk, false)
	require.NoError(t, err)
	require.NoError(t, store.Flush())

	// Flip a payload byte directly on disk, past the 8-byte header, bypassing
	// the Store API so the in-memory cache can't mask the corruption. This
	// goes through a separate descriptor because the pooled append handle is
	// opened O_APPEND, which rejects WriteAt.
	raw, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = raw.WriteAt([]byte{'X'}, int64(pos)+chunkHeaderLength)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	reread, err := mgr.Read(path)
	require.NoError(t, err)
	corrupted, err := Open(reread, DefaultPageSize, vault.None{}, NewCache(64, 1<<20), 1<<20)
	require.NoError(t, err)

	_, err = corrupted.ReadChunk(pos)
	require.Error(t, err)
}

func TestHeaderPointerBlockRoundTrip(t *testing.T) {
	store := openTestStore(t, DefaultPageSize)

	rootPos, err := store.WriteChunk([]byte("root header payload"), TagRootHeader, true)
	require.NoError(t, err)
	trailerPos := store.WriteHeaderPointerBlock(42, rootPos)
	require.NoError(t, store.Flush())

	txnID, headerPos, err := store.ReadHeaderPointerBlock(trailerPos)
	require.NoError(t, err)
	require.Equal(t, uint64(42), txnID)
	require.Equal(t, rootPos, headerPos)
}

func TestCacheServesWithoutRereading(t *testing.T) {
	store := openTestStore(t, DefaultPageSize)

	payload := []byte("cached payload")
	pos, err := store.WriteChunk(payload, TagDataChunk, true)
	require.NoError(t, err)

	// Deliberately do not Flush: if ReadChunk had to hit disk this would
	// fail, since the bytes are still only buffered in the PagedWriter.
	got, err := store.ReadChunk(pos)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestCacheBypassesOversizedChunks(t *testing.T) {
	cache := NewCache(64, 16)
	cache.Insert(ChunkKey{Position: 1}, make([]byte, 32))
	_, ok := cache.Get(ChunkKey{Position: 1})
	require.False(t, ok)
}
