package nbdcache

import (
	"testing"

	"github.com/lab47/nbdcache/pkg/nbd"
	"github.com/stretchr/testify/require"
)

type memBitmap map[LBA]bool

func (m memBitmap) Test(lba LBA) bool { return m[lba] }
func (m memBitmap) Set(lba LBA)       { m[lba] = true }
func (m memBitmap) Clear(lba LBA)     { delete(m, lba) }
func (m memBitmap) Sync() error       { return nil }

func newReq(typ uint16, off uint64, length uint32) *Request {
	return NewRequest(nbd.Request{Type: typ, Offset: off, Length: length}, nil)
}

func TestRangeList(t *testing.T) {
	t.Run("merges contiguous blocks", func(t *testing.T) {
		r := require.New(t)

		var l rangeList

		for i := LBA(5); i <= 12; i++ {
			r.NoError(l.add(i))
		}

		r.Equal(rangeList{{LBA: 5, Blocks: 8}}, l)
	})

	t.Run("a gap starts a new range", func(t *testing.T) {
		r := require.New(t)

		var l rangeList

		for _, i := range []LBA{1, 2, 3, 5, 6} {
			r.NoError(l.add(i))
		}

		r.Equal(rangeList{{LBA: 1, Blocks: 3}, {LBA: 5, Blocks: 2}}, l)
	})

	t.Run("an 11th disjoint range is refused", func(t *testing.T) {
		r := require.New(t)

		var l rangeList

		for i := 0; i < MaxFetchRanges; i++ {
			r.NoError(l.add(LBA(i * 2)))
		}

		r.ErrorIs(l.add(LBA(MaxFetchRanges*2)), ErrTooManyRanges)
		r.Len(l, MaxFetchRanges)

		// Extending the last range is still fine.
		r.NoError(l.add(LBA(MaxFetchRanges*2 - 1)))
	})
}

func TestPrepareRead(t *testing.T) {
	t.Run("claims uncached blocks and coalesces them", func(t *testing.T) {
		r := require.New(t)

		bm := memBitmap{2: true}
		stats := NewStats("test")

		req := newReq(nbd.TRANSMISSION_TYPE_REQUEST_READ, 100, 5*BlockSize)
		r.Equal(LBA(0), req.Start)
		r.Equal(LBA(5), req.End)

		r.NoError(prepare(req, bm, stats))

		r.True(req.Prepared)
		r.Equal([]Extent{{0, 2}, {3, 3}}, req.Ranges)

		for i := LBA(0); i <= 5; i++ {
			r.True(bm.Test(i))
		}

		snap := stats.Snapshot()
		r.Equal(uint64(6), snap.ReadBlocks)
		r.Equal(uint64(1), snap.Hits)
		r.Equal(uint64(5), snap.Misses)
		r.Equal(uint64(5), snap.OnDemandRead)
	})

	t.Run("claimed blocks are not fetched again", func(t *testing.T) {
		r := require.New(t)

		bm := memBitmap{}

		r.NoError(prepare(newReq(nbd.TRANSMISSION_TYPE_REQUEST_CACHE, 0, 2*BlockSize), bm, NewStats("test")))

		req := newReq(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, 2*BlockSize)
		r.NoError(prepare(req, bm, NewStats("test")))
		r.Empty(req.Ranges)
	})

	t.Run("overflow leaves the bitmap untouched", func(t *testing.T) {
		r := require.New(t)

		bm := memBitmap{}
		for i := LBA(1); i < 21; i += 2 {
			bm.Set(i)
		}

		req := newReq(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, 21*BlockSize)

		r.ErrorIs(prepare(req, bm, NewStats("test")), ErrTooManyRanges)

		r.Len(bm, 10)
		r.False(bm.Test(0))
		r.True(req.Prepared)
	})

	t.Run("runs only once", func(t *testing.T) {
		r := require.New(t)

		bm := memBitmap{}

		req := newReq(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, BlockSize)
		r.NoError(prepare(req, bm, NewStats("test")))
		r.Equal([]Extent{{0, 1}}, req.Ranges)

		// A retried request keeps its ranges even though the blocks are now
		// claimed.
		r.NoError(prepare(req, bm, NewStats("test")))
		r.Equal([]Extent{{0, 1}}, req.Ranges)
	})
}

func TestPrepareWrite(t *testing.T) {
	t.Run("aligned write over cached blocks fetches nothing", func(t *testing.T) {
		r := require.New(t)

		bm := memBitmap{4: true, 5: true}

		req := newReq(nbd.TRANSMISSION_TYPE_REQUEST_WRITE, 4*BlockSize, 2*BlockSize)
		r.NoError(prepare(req, bm, NewStats("test")))

		r.Empty(req.Ranges)
	})

	t.Run("aligned write over uncached blocks fetches nothing", func(t *testing.T) {
		r := require.New(t)

		bm := memBitmap{}
		stats := NewStats("test")

		req := newReq(nbd.TRANSMISSION_TYPE_REQUEST_WRITE, 4*BlockSize, 2*BlockSize)
		r.NoError(prepare(req, bm, stats))

		r.Empty(req.Ranges)
		r.True(bm.Test(4))
		r.True(bm.Test(5))

		snap := stats.Snapshot()
		r.Equal(uint64(2), snap.WriteBlocks)
		r.Equal(uint64(2), snap.OnDemandWrite)
		r.Equal(uint64(2), snap.Hits)
	})

	t.Run("partial single block write fetches that block once", func(t *testing.T) {
		r := require.New(t)

		bm := memBitmap{}

		req := newReq(nbd.TRANSMISSION_TYPE_REQUEST_WRITE, 3*BlockSize+10, 100)
		r.NoError(prepare(req, bm, NewStats("test")))

		r.Equal([]Extent{{3, 1}}, req.Ranges)
		r.True(bm.Test(3))
	})

	t.Run("aligned start with a partial end fetches the end block", func(t *testing.T) {
		r := require.New(t)

		bm := memBitmap{}

		req := newReq(nbd.TRANSMISSION_TYPE_REQUEST_WRITE, 3*BlockSize, 100)
		r.NoError(prepare(req, bm, NewStats("test")))

		r.Equal([]Extent{{3, 1}}, req.Ranges)
	})

	t.Run("partial edges fetch both edge blocks", func(t *testing.T) {
		r := require.New(t)

		bm := memBitmap{}

		req := newReq(nbd.TRANSMISSION_TYPE_REQUEST_WRITE, BlockSize+1, 3*BlockSize)
		r.NoError(prepare(req, bm, NewStats("test")))

		r.Equal([]Extent{{1, 1}, {4, 1}}, req.Ranges)

		for i := LBA(1); i <= 4; i++ {
			r.True(bm.Test(i))
		}
	})

	t.Run("cached edges are not fetched", func(t *testing.T) {
		r := require.New(t)

		bm := memBitmap{1: true}

		req := newReq(nbd.TRANSMISSION_TYPE_REQUEST_WRITE, BlockSize+1, 3*BlockSize)
		r.NoError(prepare(req, bm, NewStats("test")))

		r.Equal([]Extent{{4, 1}}, req.Ranges)
	})
}

func TestPrepareOther(t *testing.T) {
	r := require.New(t)

	bm := memBitmap{}

	for _, typ := range []uint16{nbd.TRANSMISSION_TYPE_REQUEST_FLUSH, nbd.TRANSMISSION_TYPE_REQUEST_TRIM} {
		req := newReq(typ, 0, 0)
		if typ == nbd.TRANSMISSION_TYPE_REQUEST_TRIM {
			req = newReq(typ, 0, BlockSize)
		}

		r.NoError(prepare(req, bm, NewStats("test")))
		r.Empty(req.Ranges)
	}

	r.Empty(bm)
}

func TestRelease(t *testing.T) {
	t.Run("clears only the blocks a write claimed", func(t *testing.T) {
		r := require.New(t)

		bm := memBitmap{2: true}

		req := newReq(nbd.TRANSMISSION_TYPE_REQUEST_WRITE, BlockSize, 4*BlockSize)
		r.NoError(prepare(req, bm, NewStats("test")))
		r.Equal([]Extent{{1, 1}, {3, 2}}, req.claimed)

		release(req, bm)

		r.Equal(memBitmap{2: true}, bm)
		r.Nil(req.claimed)
	})

	t.Run("clears the fetch ranges of a read", func(t *testing.T) {
		r := require.New(t)

		bm := memBitmap{1: true}

		req := newReq(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, 3*BlockSize)
		r.NoError(prepare(req, bm, NewStats("test")))

		release(req, bm)

		r.Equal(memBitmap{1: true}, bm)
	})
}
