package nbdcache

import (
	"context"
	"time"

	"github.com/lab47/nbdcache/pkg/nbd"
	"github.com/pkg/errors"
)

const (
	// cacheAllChunk is the number of blocks covered by each CACHE request.
	cacheAllChunk = 16

	// cacheAllWindow bounds the CACHE requests cache-all keeps queued so
	// client requests are not starved.
	cacheAllWindow = 8
)

var ErrCacheAllRunning = errors.New("cache-all already running")

// CacheAll fetches every block that is not cached yet. Requests for cached
// blocks cost no upstream I/O, so the whole disk is simply walked with CACHE
// requests. It returns when the walk finishes, ctx is done or the proxy is
// closed.
func (p *Proxy) CacheAll(ctx context.Context) error {
	if !p.cacheAll.CompareAndSwap(false, true) {
		return ErrCacheAllRunning
	}

	defer p.cacheAll.Store(false)

	if err := p.enter(); err != nil {
		return err
	}

	defer p.busy.Done()

	log := p.log.Named("cache-all")

	blocks := p.blocks()
	start := time.Now()

	log.Info("caching all blocks", "blocks", blocks, "cached", p.bitmap.Count())

	var (
		replies  = make(chan *Request, cacheAllWindow)
		inflight int
		failed   error
	)

	wait := func() {
		req := <-replies
		inflight--

		if req.Error != 0 && failed == nil {
			failed = errors.Wrapf(&nbd.RemoteError{Code: req.Error}, "caching blocks at %d", req.Offset)
		}
	}

	var lba LBA

	for ; uint64(lba) < blocks; lba += cacheAllChunk {
		if ctx.Err() != nil || p.ctx.Err() != nil || failed != nil {
			break
		}

		n := uint64(cacheAllChunk)
		if rest := blocks - uint64(lba); rest < n {
			n = rest
		}

		off, length := Extent{LBA: lba, Blocks: uint32(n)}.ByteRange(p.size)

		p.fwd.Submit(NewRequest(nbd.Request{
			Type:   nbd.TRANSMISSION_TYPE_REQUEST_CACHE,
			Offset: off,
			Length: uint32(length),
		}, replies))

		inflight++

		if inflight == cacheAllWindow {
			wait()
		}
	}

	for inflight > 0 {
		wait()
	}

	if failed != nil {
		log.Error("cache-all failed", "error", failed, "cached", p.bitmap.Count())
		return failed
	}

	if uint64(lba) < blocks {
		log.Info("cache-all interrupted", "cached", p.bitmap.Count(), "blocks", blocks)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		return ErrProxyClosed
	}

	log.Info("cache-all finished", "cached", p.bitmap.Count(), "blocks", blocks, "elapsed", time.Since(start))

	return p.Sync()
}

// StartCacheAll runs CacheAll in the background until it finishes or the
// proxy is closed.
func (p *Proxy) StartCacheAll() error {
	if p.cacheAll.Load() {
		return ErrCacheAllRunning
	}

	if p.ctx.Err() != nil {
		return ErrProxyClosed
	}

	go func() {
		err := p.CacheAll(p.ctx)
		if err != nil && !errors.Is(err, ErrProxyClosed) && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrCacheAllRunning) {
			p.log.Error("background cache-all failed", "error", err)
		}
	}()

	return nil
}

// CacheAllRunning reports whether a cache-all is in progress.
func (p *Proxy) CacheAllRunning() bool {
	return p.cacheAll.Load()
}
