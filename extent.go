package nbdcache

import (
	"fmt"
)

type LBA uint64

// Extent is a run of Blocks contiguous blocks starting at LBA.
type Extent struct {
	LBA    LBA
	Blocks uint32
}

// BlockRange returns the first and last block touched by length bytes at
// offset. length must be nonzero.
func BlockRange(offset, length uint64) (LBA, LBA) {
	return LBA(offset / BlockSize), LBA((offset + length - 1) / BlockSize)
}

func (e Extent) ByteSize() int {
	return int(e.Blocks) * BlockSize
}

// Offset is the byte offset of the first block.
func (e Extent) Offset() uint64 {
	return uint64(e.LBA) * BlockSize
}

func (e Extent) String() string {
	return fmt.Sprintf("%d:%d", e.LBA, e.Blocks)
}

// Last is the final block of e. e must not be empty.
func (e Extent) Last() LBA {
	return e.LBA + LBA(e.Blocks) - 1
}

// ByteRange returns the byte offset and length covered by e, with the
// length confined so it never reaches past diskSize. The last block of a
// disk whose size is not block aligned is short.
func (e Extent) ByteRange(diskSize uint64) (uint64, uint64) {
	off := e.Offset()
	if off >= diskSize {
		return off, 0
	}

	length := uint64(e.ByteSize())
	if length > diskSize-off {
		length = diskSize - off
	}

	return off, length
}
