package nbdcache

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var pageSize = uint64(os.Getpagesize())

// CacheFile is the local copy of the upstream disk. Byte n of the disk is
// byte n of the file.
type CacheFile struct {
	path string
	size uint64
	f    *os.File
}

func OpenCacheFile(path string, size uint64) (*CacheFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if uint64(fi.Size()) != size {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "sizing cache file %s", path)
		}
	}

	return &CacheFile{path: path, size: size, f: f}, nil
}

func (c *CacheFile) Path() string {
	return c.path
}

func (c *CacheFile) Size() uint64 {
	return c.size
}

// Region is a window of the cache file mapped into memory. It covers whole
// blocks, except that the last block of the disk may be short.
type Region struct {
	m     mmap.MMap
	start uint64
	data  []byte
}

// Bytes returns the block aligned window.
func (r *Region) Bytes() []byte {
	return r.data
}

// At returns the n bytes of the window at disk offset off.
func (r *Region) At(off, n uint64) []byte {
	pos := off - r.start
	return r.data[pos : pos+n]
}

// Release unmaps the window. It is safe to call on a nil Region.
func (r *Region) Release() error {
	if r == nil || r.m == nil {
		return nil
	}

	m := r.m
	r.m = nil
	r.data = nil

	return m.Unmap()
}

// Acquire maps the blocks covering length bytes at offset. The mapping
// starts on a page boundary, the returned window on a block boundary.
func (c *CacheFile) Acquire(offset, length uint64) (*Region, error) {
	if length == 0 || offset+length > c.size {
		return nil, errors.Errorf("region %d+%d outside cache file of %d bytes", offset, length, c.size)
	}

	start := offset / BlockSize * BlockSize

	end := (offset + length + BlockSize - 1) / BlockSize * BlockSize
	if end > c.size {
		end = c.size
	}

	mapStart := start / pageSize * pageSize

	m, err := mmap.MapRegion(c.f, int(end-mapStart), mmap.RDWR, 0, int64(mapStart))
	if err != nil {
		return nil, errors.Wrapf(err, "mapping cache region %d+%d", offset, length)
	}

	return &Region{
		m:     m,
		start: start,
		data:  m[start-mapStart:],
	}, nil
}

// Sync writes the cache file's contents to stable storage.
func (c *CacheFile) Sync() error {
	return c.f.Sync()
}

// PunchHole releases the storage backing length bytes at offset. The file
// size is unchanged and the range reads back as zeros.
func (c *CacheFile) PunchHole(offset, length uint64) error {
	if length == 0 {
		return nil
	}

	err := unix.Fallocate(int(c.f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(offset), int64(length))
	if err != nil {
		return errors.Wrapf(err, "punching hole %d+%d", offset, length)
	}

	return nil
}

// ReadAt reads directly from the file, outside any mapped window.
func (c *CacheFile) ReadAt(b []byte, off int64) (int, error) {
	return c.f.ReadAt(b, off)
}

func (c *CacheFile) Close() error {
	return c.f.Close()
}
