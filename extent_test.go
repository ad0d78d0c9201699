package nbdcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtent(t *testing.T) {
	e := func(lba LBA, blocks uint32) Extent {
		return Extent{lba, blocks}
	}

	t.Run("block range", func(t *testing.T) {
		r := require.New(t)

		s, f := BlockRange(0, 1)
		r.Equal(LBA(0), s)
		r.Equal(LBA(0), f)

		s, f = BlockRange(4095, 2)
		r.Equal(LBA(0), s)
		r.Equal(LBA(1), f)

		s, f = BlockRange(8192, 4096*3)
		r.Equal(LBA(2), s)
		r.Equal(LBA(4), f)
	})

	t.Run("last block", func(t *testing.T) {
		r := require.New(t)

		r.Equal(LBA(0), e(0, 1).Last())
		r.Equal(LBA(12), e(5, 8).Last())
	})

	t.Run("confines byte ranges to the disk", func(t *testing.T) {
		r := require.New(t)

		off, l := e(1, 2).ByteRange(3 * BlockSize)
		r.Equal(uint64(BlockSize), off)
		r.Equal(uint64(2*BlockSize), l)

		off, l = e(1, 2).ByteRange(2*BlockSize + 100)
		r.Equal(uint64(BlockSize), off)
		r.Equal(uint64(BlockSize+100), l)
	})
}
