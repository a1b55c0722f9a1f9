package roots

import (
	"os"
	"path/filepath"

	"github.com/nebari-go/nebari/chunkstore"
	"github.com/nebari-go/nebari/internal/nlog"
)

// Compact rewrites name's tree into a fresh file, reclaiming space from
// pruned B-Tree nodes and superseded values, then atomically swaps the
// tree onto the new file. The old file is deleted only after the swap
// commits, so a crash mid-compaction leaves the original file intact and
// recovery simply reopens it.
//
// Grounded on roots.rs's notion of compaction as a file-generation swap
// (TreeFile::compact), with the chunk cache's (generation, position) keying
// guaranteeing the old file's cached chunks can never leak into reads
// against the new one.
func (r *Roots) Compact(name string) error {
	release, err := r.txns.Reserve([][]byte{[]byte(name)})
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	ts, ok := r.trees[name]
	r.mu.Unlock()
	if !ok {
		return nil // nothing opened yet, nothing to compact
	}

	tmpPath := r.treePath(name) + ".compacting"
	_ = r.fs.Delete(tmpPath) // drop any leftover from a prior failed attempt

	tmpHandle, err := r.fs.Append(tmpPath)
	if err != nil {
		return err
	}
	dest, err := chunkstore.Open(tmpHandle, r.pageSize(), r.cfg.Vault, r.cache, r.cfg.MaxChunkLength)
	if err != nil {
		return err
	}

	newRoot, err := ts.root.Compact(dest)
	if err != nil {
		return err
	}
	header, err := newRoot.Commit(true)
	if err != nil {
		return err
	}
	headerPos, err := dest.WriteChunk(header, chunkstore.TagRootHeader, true)
	if err != nil {
		return err
	}
	txnID := r.txns.AllocateID()
	dest.WriteHeaderPointerBlock(txnID, headerPos)
	if err := dest.Flush(); err != nil {
		r.txns.Abandon(txnID)
		return err
	}
	if err := r.txns.Append(txnID, [][]byte{[]byte(name)}); err != nil {
		r.txns.Abandon(txnID)
		return err
	}

	// Evict the old file's pooled handle and unlink it before the rename
	// lands the compacted file at the same path: Manager.Append pools
	// handles by path, so a stale entry here would otherwise resurface the
	// pre-compaction file descriptor on the next Append below.
	finalPath := r.treePath(name)
	if _, err := r.fs.Delete(finalPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}
	reopened, err := r.fs.Append(finalPath)
	if err != nil {
		return err
	}
	newStore, err := chunkstore.Open(reopened, r.pageSize(), r.cfg.Vault, r.cache, r.cfg.MaxChunkLength)
	if err != nil {
		return err
	}

	// newRoot still reads and writes through dest; rebind the tree to the
	// reopened store so later commits write and flush through one Store.
	reopenedRoot, err := openRoot(ts.kind, newStore, r.cfg.Order, header)
	if err != nil {
		return err
	}

	r.mu.Lock()
	ts.store = newStore
	ts.root = reopenedRoot
	r.mu.Unlock()

	nlog.WithComponent("roots").Info().Str("tree", name).Str("path", filepath.Base(finalPath)).Msg("compaction complete")
	return nil
}
