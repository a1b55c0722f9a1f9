// Package filemgr is the file-handle manager abstraction the core consumes.
// It is deliberately the only layer that touches the host filesystem
// directly; the B-Tree engine, tree state machine, and transaction manager
// only ever see a Handle.
//
// Grounded on nebari's managed_file/fs.rs: append opens a pooled *os.File
// behind a mutex, read opens an independent unpooled handle, and delete
// removes any pooled handle first.
package filemgr

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/nebari-go/nebari/nebarierr"
)

// Handle is a single open file, safe for concurrent use. Exactly one
// goroutine executes against it at a time (Execute serializes callers).
type Handle interface {
	// Execute runs fn with exclusive access to the underlying *os.File.
	Execute(fn func(f *os.File) error) error
	// Path returns the path this handle was opened against.
	Path() string
	// Close releases any resources private to this handle. Pooled append
	// handles are shared; Close on them is a no-op, matching StdFile's
	// "closing is done by dropping it" semantics for shared handles.
	Close() error
}

// Manager opens, reads, and deletes files on behalf of the core. The
// default implementation (New) pools append handles by path so concurrent
// writers to the same tree file share one *os.File, mirroring
// StdFileManager's open_files map.
type Manager interface {
	// Append opens path for append+read, creating it if absent. Repeated
	// calls for the same path return the same pooled handle.
	Append(path string) (Handle, error)
	// Read opens path read-only. Each call returns an independent handle so
	// multiple readers can coexist with a writer.
	Read(path string) (Handle, error)
	// Delete removes path, evicting any pooled handle first. Returns false
	// if the path did not exist.
	Delete(path string) (bool, error)
}

// StdManager is the default Manager, backed by os.File.
type StdManager struct {
	mu        sync.Mutex
	openFiles map[string]*pooledHandle
}

// New returns a Manager backed by the host filesystem.
func New() *StdManager {
	return &StdManager{openFiles: make(map[string]*pooledHandle)}
}

func (m *StdManager) Append(path string) (Handle, error) {
	path = filepath.Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.openFiles[path]; ok {
		return h, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	h := &pooledHandle{path: path, file: f}
	m.openFiles[path] = h
	return h, nil
}

func (m *StdManager) Read(path string) (Handle, error) {
	path = filepath.Clean(path)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &readHandle{path: path, file: f}, nil
}

func (m *StdManager) Delete(path string) (bool, error) {
	path = filepath.Clean(path)
	m.mu.Lock()
	if h, ok := m.openFiles[path]; ok {
		delete(m.openFiles, path)
		h.mu.Lock()
		_ = h.file.Close()
		h.mu.Unlock()
	}
	m.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(path); err != nil {
		return false, err
	}
	return true, nil
}

// pooledHandle is shared by every caller of Append for the same path, the
// way StdFileManager shares one Arc<Mutex<StdFile>> per path.
type pooledHandle struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func (h *pooledHandle) Execute(fn func(f *os.File) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.file)
}

func (h *pooledHandle) Path() string { return h.path }

// Close is a no-op: the handle is shared and only released via Manager.Delete
// or process exit, matching OpenStdFile::close (drop is the real close).
func (h *pooledHandle) Close() error { return nil }

// readHandle is a private, unpooled read-only handle.
type readHandle struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func (h *readHandle) Execute(fn func(f *os.File) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.file)
}

func (h *readHandle) Path() string { return h.path }

func (h *readHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

// ReadAt is a convenience used by the chunk store: read exactly len(buf)
// bytes from position, or a data-integrity error on short read/EOF.
func ReadAt(h Handle, buf []byte, position int64) error {
	return h.Execute(func(f *os.File) error {
		n, err := f.ReadAt(buf, position)
		if err != nil && err != io.EOF {
			return err
		}
		if n != len(buf) {
			return nebarierr.DataIntegrity("short read at position %d: wanted %d bytes, got %d", position, len(buf), n)
		}
		return nil
	})
}
