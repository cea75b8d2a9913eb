package cache

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	cacheerr "github.com/contentcache/contentcache/pkg/errors"
)

// Mapping is a read-only memory-mapped view over a temporary backing
// file. It is owned by the tiered cache; callers must not retain the
// mapped bytes past Release. Release always unmaps, closes, and deletes
// the backing file, and is safe to call more than once.
type Mapping struct {
	mu       sync.Mutex
	file     *os.File
	data     []byte
	path     string
	size     int64
	released bool
}

// newMapping materializes value into a fresh temp file under dir and
// maps it read-only. On any failure every partially created resource is
// released before the error is returned.
func newMapping(dir string, value []byte) (*Mapping, error) {
	file, err := os.CreateTemp(dir, "mmap-*.tmp")
	if err != nil {
		return nil, cacheerr.Wrap(err, cacheerr.ErrCodeMmapFailed, "failed to create backing file")
	}
	path := file.Name()

	cleanup := func() {
		_ = file.Close()
		_ = os.Remove(path)
	}

	if _, err := file.Write(value); err != nil {
		cleanup()
		return nil, cacheerr.Wrap(err, cacheerr.ErrCodeMmapFailed, "failed to write backing file")
	}
	if len(value) == 0 {
		// Zero-length mappings are invalid; represent empty content
		// without a mapped view.
		return &Mapping{file: file, path: path, data: nil, size: 0}, nil
	}

	data, err := unix.Mmap(int(file.Fd()), 0, len(value), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, cacheerr.Wrap(err, cacheerr.ErrCodeMmapFailed, "mmap failed")
	}

	return &Mapping{
		file: file,
		data: data,
		path: path,
		size: int64(len(value)),
	}, nil
}

// Bytes returns the mapped view. Nil after Release.
func (m *Mapping) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil
	}
	return m.data
}

// Len returns the mapped length in bytes.
func (m *Mapping) Len() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Release unmaps the view, closes the file handle, and deletes the
// backing temp file. Idempotent; the first error encountered wins.
func (m *Mapping) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return nil
	}
	m.released = true

	var firstErr error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
		m.data = nil
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.file = nil
	}
	if m.path != "" {
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		m.path = ""
	}
	return firstErr
}
