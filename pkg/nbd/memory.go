package nbd

import (
	"io"
	"sync"
)

// MemoryBackend is a Backend held entirely in memory.
type MemoryBackend struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryBackend(size int64) *MemoryBackend {
	return &MemoryBackend{data: make([]byte, size)}
}

// NewMemoryBackendFrom serves data directly, without copying it.
func NewMemoryBackendFrom(data []byte) *MemoryBackend {
	return &MemoryBackend{data: data}
}

func (m *MemoryBackend) ReadAt(b []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}

	n := copy(b, m.data[off:])
	if n < len(b) {
		return n, io.EOF
	}

	return n, nil
}

func (m *MemoryBackend) WriteAt(b []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off+int64(len(b)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}

	return copy(m.data[off:], b), nil
}

func (m *MemoryBackend) Trim(off, sz int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.data[off : off+sz])

	return nil
}

func (m *MemoryBackend) Size() (int64, error) {
	return int64(len(m.data)), nil
}

func (m *MemoryBackend) Sync() error {
	return nil
}

// Bytes returns the backing slice.
func (m *MemoryBackend) Bytes() []byte {
	return m.data
}
