package nbdcache

import "sync"

// bufPool recycles request payload buffers. Clients mostly send requests of
// a few blocks up to about a megabyte, so those two classes are pooled and
// anything larger is allocated per request.
type bufPool struct {
	blocks sync.Pool
	large  sync.Pool
}

const (
	blocksBuffer = 32 * BlockSize
	largeBuffer  = 1024 * 1024
)

func (p *bufPool) Get(sz int) []byte {
	var (
		pool  *sync.Pool
		class int
	)

	switch {
	case sz <= blocksBuffer:
		pool, class = &p.blocks, blocksBuffer
	case sz <= largeBuffer:
		pool, class = &p.large, largeBuffer
	default:
		return make([]byte, sz)
	}

	if v := pool.Get(); v != nil {
		return v.([]byte)[:sz]
	}

	return make([]byte, sz, class)
}

// Return hands buf back to its class. Buffers that did not come from Get are
// dropped.
func (p *bufPool) Return(buf []byte) {
	switch cap(buf) {
	case blocksBuffer:
		p.blocks.Put(buf[:0])
	case largeBuffer:
		p.large.Put(buf[:0])
	}
}

var buffers bufPool
