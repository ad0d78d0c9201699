package nbdcache

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/nbdcache/pkg/nbd"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func testLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  "test",
		Level: hclog.Trace,
	})
}

// startUpstream serves backend over an in memory connection and returns the
// negotiated client end.
func startUpstream(t *testing.T, backend nbd.Backend) net.Conn {
	client, server := net.Pipe()

	go func() {
		defer server.Close()
		nbd.Serve(testLogger(), server, []*nbd.Export{{Name: "disk", Backend: backend}}, &nbd.Options{})
	}()

	_, _, err := nbd.NegotiateClient(client, "disk")
	require.NoError(t, err)

	return client
}

func randomDisk(t *testing.T, size int) *nbd.MemoryBackend {
	data := make([]byte, size)
	_, err := io.ReadFull(rand.Reader, data)
	require.NoError(t, err)

	return nbd.NewMemoryBackendFrom(data)
}

type forwarderEnv struct {
	f       *Forwarder
	bitmap  *Bitmap
	cache   *CacheFile
	up      *nbd.MemoryBackend
	stats   *Stats
	replies chan *Request
}

func newForwarderEnv(t *testing.T, size int) *forwarderEnv {
	up := randomDisk(t, size)
	return newForwarderEnvOn(t, up, up)
}

// newForwarderEnvOn serves backend upstream. up holds the disk's contents.
func newForwarderEnvOn(t *testing.T, up *nbd.MemoryBackend, backend nbd.Backend) *forwarderEnv {
	r := require.New(t)

	dir := t.TempDir()

	size := len(up.Bytes())

	bm, err := OpenBitmap(filepath.Join(dir, "bitmap"), uint64((size+BlockSize-1)/BlockSize))
	r.NoError(err)

	cf, err := OpenCacheFile(filepath.Join(dir, "cache"), uint64(size))
	r.NoError(err)

	stats := NewStats("test")

	f := NewForwarder(testLogger(), startUpstream(t, backend), uint64(size), bm, cf, stats)

	t.Cleanup(func() {
		f.Shutdown()
		f.Wait()
		bm.Close()
		cf.Close()
	})

	return &forwarderEnv{
		f:       f,
		bitmap:  bm,
		cache:   cf,
		up:      up,
		stats:   stats,
		replies: make(chan *Request, 16),
	}
}

// failingBackend refuses reads while fail is set.
type failingBackend struct {
	*nbd.MemoryBackend

	fail atomic.Bool
}

func (b *failingBackend) ReadAt(p []byte, off int64) (int, error) {
	if b.fail.Load() {
		return 0, errors.New("media error")
	}

	return b.MemoryBackend.ReadAt(p, off)
}

func (e *forwarderEnv) request(typ uint16, off uint64, length uint32) *Request {
	return NewRequest(nbd.Request{Type: typ, Offset: off, Length: length, Handle: off}, e.replies)
}

func (e *forwarderEnv) run(req *Request) *Request {
	e.f.Submit(req)
	return <-e.replies
}

func (e *forwarderEnv) cached(t *testing.T, off, length int) []byte {
	b := make([]byte, length)
	_, err := e.cache.ReadAt(b, int64(off))
	require.NoError(t, err)
	return b
}

func TestForwarder(t *testing.T) {
	t.Run("reads fetch missing blocks into the cache", func(t *testing.T) {
		r := require.New(t)

		e := newForwarderEnv(t, 64*BlockSize)

		req := e.run(e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 1000, 3*BlockSize))
		r.Zero(req.Error)
		r.False(req.Retry)
		r.Equal(e.up.Bytes()[1000:1000+3*BlockSize], req.ReadData)

		for i := LBA(0); i <= 3; i++ {
			r.True(e.bitmap.Test(i))
		}
		r.False(e.bitmap.Test(4))

		r.Equal(e.up.Bytes()[:4*BlockSize], e.cached(t, 0, 4*BlockSize))

		// Served from the cache the second time.
		req = e.run(e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, 2*BlockSize))
		r.Empty(req.Ranges)
		r.Equal(e.up.Bytes()[:2*BlockSize], req.ReadData)

		snap := e.stats.Snapshot()
		r.Equal(uint64(4), snap.Misses)
		r.Equal(uint64(2), snap.Hits)
	})

	t.Run("partial writes merge over fetched blocks", func(t *testing.T) {
		r := require.New(t)

		e := newForwarderEnv(t, 16*BlockSize)

		orig := bytes.Clone(e.up.Bytes())

		data := bytes.Repeat([]byte{0xAB}, BlockSize)

		req := e.request(nbd.TRANSMISSION_TYPE_REQUEST_WRITE, BlockSize+100, BlockSize)
		req.WriteData = data

		req = e.run(req)
		r.Zero(req.Error)
		r.Equal([]Extent{{1, 1}, {2, 1}}, req.Ranges)

		expected := bytes.Clone(orig[BlockSize : 3*BlockSize])
		copy(expected[100:], data)

		r.Equal(expected, e.cached(t, BlockSize, 2*BlockSize))

		// Upstream is never written to.
		r.Equal(orig, e.up.Bytes())

		rd := e.run(e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, BlockSize+100, BlockSize))
		r.Empty(rd.Ranges)
		r.Equal(data, rd.ReadData)
	})

	t.Run("reads stop at the end of an unaligned disk", func(t *testing.T) {
		r := require.New(t)

		size := 4*BlockSize + 512

		e := newForwarderEnv(t, size)

		req := e.run(e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 3*BlockSize, BlockSize+512))
		r.Zero(req.Error)
		r.Equal(e.up.Bytes()[3*BlockSize:], req.ReadData)
	})

	t.Run("cache requests only fill the cache", func(t *testing.T) {
		r := require.New(t)

		e := newForwarderEnv(t, 16*BlockSize)

		req := e.run(e.request(nbd.TRANSMISSION_TYPE_REQUEST_CACHE, 0, 8*BlockSize))
		r.Zero(req.Error)
		r.Nil(req.ReadData)

		r.Equal(uint64(8), e.bitmap.Count())
		r.Equal(e.up.Bytes()[:8*BlockSize], e.cached(t, 0, 8*BlockSize))
	})

	t.Run("flush and trim", func(t *testing.T) {
		r := require.New(t)

		e := newForwarderEnv(t, 16*BlockSize)

		e.run(e.request(nbd.TRANSMISSION_TYPE_REQUEST_CACHE, 0, 4*BlockSize))

		req := e.run(e.request(nbd.TRANSMISSION_TYPE_REQUEST_FLUSH, 0, 0))
		r.Zero(req.Error)

		req = e.run(e.request(nbd.TRANSMISSION_TYPE_REQUEST_TRIM, BlockSize, 2*BlockSize))
		r.Zero(req.Error)

		r.Equal(make([]byte, 2*BlockSize), e.cached(t, BlockSize, 2*BlockSize))
		r.Equal(e.up.Bytes()[:BlockSize], e.cached(t, 0, BlockSize))

		// Trimmed blocks stay cached.
		r.True(e.bitmap.Test(1))
		r.True(e.bitmap.Test(2))

		rd := e.run(e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, BlockSize, BlockSize))
		r.Empty(rd.Ranges)
		r.Equal(make([]byte, BlockSize), rd.ReadData)
	})

	t.Run("requests flagged to exit skip all I/O", func(t *testing.T) {
		r := require.New(t)

		e := newForwarderEnv(t, 16*BlockSize)

		req := e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, 4*BlockSize)
		req.Exit = true

		req = e.run(req)
		r.False(req.Prepared)
		r.Nil(req.ReadData)
		r.Zero(e.bitmap.Count())
	})

	t.Run("abandoned requests give back the blocks they claimed", func(t *testing.T) {
		r := require.New(t)

		e := newForwarderEnv(t, 16*BlockSize)

		e.f.txConn.Close()

		req := e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, 2*BlockSize)
		e.f.Submit(req)

		gen, ok := e.f.NextBroken()
		r.True(ok)
		r.Zero(gen)
		r.True(e.bitmap.Test(0))

		e.f.Abandon()

		done := <-e.replies
		r.Same(req, done)
		r.Equal(nbd.TRANSMISSION_ERROR_EIO, done.Error)
		r.Zero(e.bitmap.Count())
	})

	t.Run("upstream read errors fail the request and keep the connection", func(t *testing.T) {
		r := require.New(t)

		up := randomDisk(t, 16*BlockSize)

		fb := &failingBackend{MemoryBackend: up}
		fb.fail.Store(true)

		e := newForwarderEnvOn(t, up, fb)

		// The second request relies on a block the first one claimed.
		first := e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, 2*BlockSize)
		second := e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, BlockSize, BlockSize)

		e.f.Submit(first)
		e.f.Submit(second)

		done := <-e.replies
		r.Same(first, done)
		r.Equal(nbd.TRANSMISSION_ERROR_EIO, done.Error)
		r.False(done.Retry)

		done = <-e.replies
		r.Same(second, done)
		r.Equal(nbd.TRANSMISSION_ERROR_EIO, done.Error)

		wr := e.request(nbd.TRANSMISSION_TYPE_REQUEST_WRITE, 4*BlockSize+100, 100)
		wr.WriteData = bytes.Repeat([]byte{0xCD}, 100)

		wr = e.run(wr)
		r.Equal(nbd.TRANSMISSION_ERROR_EIO, wr.Error)

		fb.fail.Store(false)

		// Same connection, and the blocks are fetched again.
		rd := e.run(e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, 2*BlockSize))
		r.Zero(rd.Error)
		r.Equal([]Extent{{0, 2}}, rd.Ranges)
		r.Equal(up.Bytes()[:2*BlockSize], rd.ReadData)

		rd = e.run(e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 4*BlockSize, BlockSize))
		r.Zero(rd.Error)
		r.Equal([]Extent{{4, 1}}, rd.Ranges)
		r.Equal(up.Bytes()[4*BlockSize:5*BlockSize], rd.ReadData)

		r.Zero(e.f.Generation())
		r.Zero(e.stats.Snapshot().Retries)
		r.Empty(e.f.broken)
	})

	t.Run("too many ranges fails the request without touching the bitmap", func(t *testing.T) {
		r := require.New(t)

		e := newForwarderEnv(t, 32*BlockSize)

		for i := LBA(1); i < 21; i += 2 {
			e.bitmap.Set(i)
		}

		req := e.run(e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, 21*BlockSize))
		r.Equal(nbd.TRANSMISSION_ERROR_EIO, req.Error)
		r.False(req.Retry)
		r.Equal(uint64(10), e.bitmap.Count())

		// The pipeline keeps working.
		req = e.run(e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, BlockSize))
		r.Zero(req.Error)
		r.Equal(e.up.Bytes()[:BlockSize], req.ReadData)
	})

	t.Run("assigns sequence numbers in order", func(t *testing.T) {
		r := require.New(t)

		e := newForwarderEnv(t, 16*BlockSize)

		for i := 0; i < 4; i++ {
			e.f.Submit(e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, uint64(i*BlockSize), BlockSize))
		}

		for i := 0; i < 4; i++ {
			req := <-e.replies
			r.Equal(uint64(i), req.Seq)
			r.Equal(uint64(i*BlockSize), req.Handle)
		}
	})

	t.Run("failed upstream I/O is retried after reconnecting", func(t *testing.T) {
		r := require.New(t)

		e := newForwarderEnv(t, 16*BlockSize)

		// Break the current upstream connection.
		e.f.txConn.Close()

		req := e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, 2*BlockSize)
		e.f.Submit(req)

		gen, ok := e.f.NextBroken()
		r.True(ok)
		r.Zero(gen)

		// Requests behind the failure are held as well.
		second := e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 4*BlockSize, BlockSize)
		e.f.Submit(second)

		r.Equal(uint64(1), e.f.Reconnect(startUpstream(t, e.up)))

		done := <-e.replies
		r.Same(req, done)
		r.False(done.Retry)
		r.Equal(uint64(1), done.gen)
		r.Equal(uint64(0), done.Seq)
		r.Equal([]Extent{{0, 2}}, done.Ranges)
		r.Equal(e.up.Bytes()[:2*BlockSize], done.ReadData)

		done = <-e.replies
		r.Same(second, done)
		r.Equal(e.up.Bytes()[4*BlockSize:5*BlockSize], done.ReadData)

		r.Equal(uint64(2), e.stats.Snapshot().Retries)
	})

	t.Run("held requests are sent before later submissions", func(t *testing.T) {
		r := require.New(t)

		e := newForwarderEnv(t, 16*BlockSize)

		e.f.txConn.Close()

		held := e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, 2*BlockSize)
		e.f.Submit(held)

		_, ok := e.f.NextBroken()
		r.True(ok)

		e.f.Reconnect(startUpstream(t, e.up))

		// Admitted after the reconnect, it finds the blocks already claimed
		// and depends on the held request's fetch.
		later := e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, 2*BlockSize)
		e.f.Submit(later)

		done := <-e.replies
		r.Same(held, done)
		r.Zero(done.Error)
		r.Equal(e.up.Bytes()[:2*BlockSize], done.ReadData)

		done = <-e.replies
		r.Same(later, done)
		r.Zero(done.Error)
		r.Empty(done.Ranges)
		r.Equal(e.up.Bytes()[:2*BlockSize], done.ReadData)
	})

	t.Run("shutdown fails held requests", func(t *testing.T) {
		r := require.New(t)

		e := newForwarderEnv(t, 16*BlockSize)

		e.f.txConn.Close()

		req := e.request(nbd.TRANSMISSION_TYPE_REQUEST_READ, 0, 2*BlockSize)
		e.f.Submit(req)

		_, ok := e.f.NextBroken()
		r.True(ok)

		e.f.Shutdown()

		done := <-e.replies
		r.Same(req, done)
		r.Equal(nbd.TRANSMISSION_ERROR_EIO, done.Error)

		e.f.Wait()
		r.Zero(e.bitmap.Count())

		_, ok = e.f.NextBroken()
		r.False(ok)
	})

	t.Run("shutdown terminates both stages", func(t *testing.T) {
		r := require.New(t)

		dir := t.TempDir()

		up := randomDisk(t, 4*BlockSize)

		bm, err := OpenBitmap(filepath.Join(dir, "bitmap"), 4)
		r.NoError(err)
		defer bm.Close()

		cf, err := OpenCacheFile(filepath.Join(dir, "cache"), 4*BlockSize)
		r.NoError(err)
		defer cf.Close()

		f := NewForwarder(testLogger(), startUpstream(t, up), 4*BlockSize, bm, cf, NewStats("test"))

		replies := make(chan *Request, 1)
		f.Submit(NewRequest(nbd.Request{Type: nbd.TRANSMISSION_TYPE_REQUEST_READ, Length: BlockSize}, replies))
		f.Shutdown()

		_, ok := f.NextBroken()
		r.False(ok)

		f.Wait()

		req := <-replies
		r.Equal(up.Bytes()[:BlockSize], req.ReadData)
	})
}
