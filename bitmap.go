package nbdcache

import (
	"math/bits"
	"os"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// Bitmap records which blocks of the cache file hold authoritative data,
// one bit per block, in a file mapped into memory. Bit n lives in byte n/8
// at position n%8.
//
// Test, Set and Clear are not synchronized. Only the forwarder mutates the
// bitmap, from its transmit goroutine until that exits.
type Bitmap struct {
	path   string
	blocks uint64

	f *os.File
	m mmap.MMap

	cached atomic.Uint64
}

func bitmapBytes(blocks uint64) int64 {
	sz := int64((blocks + 7) / 8)
	if sz == 0 {
		sz = 1
	}

	return sz
}

// OpenBitmap opens or creates the bitmap at path sized for blocks blocks.
// Existing bits are preserved.
func OpenBitmap(path string, blocks uint64) (*Bitmap, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	sz := bitmapBytes(blocks)

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if fi.Size() != sz {
		if err := f.Truncate(sz); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "sizing bitmap %s", path)
		}
	}

	m, err := mmap.MapRegion(f, int(sz), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mapping bitmap %s", path)
	}

	b := &Bitmap{
		path:   path,
		blocks: blocks,
		f:      f,
		m:      m,
	}

	// Bits past the last block are never consulted.
	if rem := blocks % 8; rem != 0 {
		m[len(m)-1] &= byte(1<<rem) - 1
	}

	var cnt uint64
	for _, x := range m {
		cnt += uint64(bits.OnesCount8(x))
	}

	b.cached.Store(cnt)

	return b, nil
}

func (b *Bitmap) Path() string {
	return b.path
}

func (b *Bitmap) Blocks() uint64 {
	return b.blocks
}

func (b *Bitmap) Test(lba LBA) bool {
	return b.m[lba/8]&(1<<(lba%8)) != 0
}

func (b *Bitmap) Set(lba LBA) {
	mask := byte(1 << (lba % 8))

	if b.m[lba/8]&mask == 0 {
		b.m[lba/8] |= mask
		b.cached.Add(1)
	}
}

func (b *Bitmap) Clear(lba LBA) {
	mask := byte(1 << (lba % 8))

	if b.m[lba/8]&mask != 0 {
		b.m[lba/8] &^= mask
		b.cached.Add(^uint64(0))
	}
}

// Count returns the number of set bits. It is safe to call concurrently
// with Set.
func (b *Bitmap) Count() uint64 {
	return b.cached.Load()
}

// Complete reports whether every block is cached.
func (b *Bitmap) Complete() bool {
	return b.Count() == b.blocks
}

// Sync writes the bitmap to stable storage.
func (b *Bitmap) Sync() error {
	return b.m.Flush()
}

func (b *Bitmap) Close() error {
	if err := b.m.Flush(); err != nil {
		b.m.Unmap()
		b.f.Close()
		return err
	}

	if err := b.m.Unmap(); err != nil {
		b.f.Close()
		return err
	}

	return b.f.Close()
}
