package nbdcache

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/nbdcache/pkg/nbd"
	"github.com/pkg/errors"
)

// Dialer opens a negotiated connection to the upstream server and returns
// it along with the size of the upstream disk.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, uint64, error)

// TCPDialer connects to addr and selects export. An empty export expects an
// oldstyle server.
func TCPDialer(addr, export string) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, uint64, error) {
		var d net.Dialer

		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, 0, err
		}

		var size uint64

		if export == "" {
			size, _, err = nbd.ReadOldstyle(conn)
		} else {
			size, _, err = nbd.NegotiateClient(conn, export)
		}

		if err != nil {
			conn.Close()
			return nil, 0, errors.Wrapf(err, "negotiating with %s", addr)
		}

		return conn, size, nil
	}
}

const (
	bitmapFile = "cache.bitmap"
	cacheFile  = "cache.bin"
	metaFile   = "meta.db"
)

// Proxy serves NBD clients from a local cache of an upstream disk.
type Proxy struct {
	log hclog.Logger
	o   opts
	dir string

	size uint64
	meta CacheMeta

	metaStore *MetaStore
	bitmap    *Bitmap
	cache     *CacheFile
	stats     *Stats
	fwd       *Forwarder

	ctx    context.Context
	cancel func()

	reconnectMu sync.Mutex

	mu       sync.Mutex
	sessions map[*session]struct{}

	// busy counts sessions, cache-all runs and direct I/O callers. Close
	// waits for it before shutting the forwarder down.
	busy sync.WaitGroup

	cacheAll atomic.Bool

	retryDone chan struct{}
	closeOnce sync.Once
}

// ErrProxyClosed is returned for work started after Close.
var ErrProxyClosed = errors.New("proxy closed")

// NewProxy connects to the upstream and opens the cache held in dir,
// creating it if needed.
func NewProxy(ctx context.Context, log hclog.Logger, dir string, options ...Option) (*Proxy, error) {
	o := opts{
		id:         "nbdcache",
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}

	for _, opt := range options {
		opt(&o)
	}

	if o.dialer == nil {
		return nil, errors.New("no upstream configured")
	}

	log = log.Named("proxy")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	conn, size, err := o.dialer(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to upstream %s", o.upstream)
	}

	p, err := openProxy(log, dir, o, conn, size)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return p, nil
}

func openProxy(log hclog.Logger, dir string, o opts, conn io.ReadWriteCloser, size uint64) (*Proxy, error) {
	ms, err := OpenMeta(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, err
	}

	meta, fresh, err := ms.Check(size, o.upstream, o.resetStale)
	if err != nil {
		ms.Close()
		return nil, err
	}

	if fresh {
		log.Info("initializing new cache", "id", meta.ID, "size", size, "upstream", o.upstream)

		for _, name := range []string{bitmapFile, cacheFile} {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				ms.Close()
				return nil, err
			}
		}
	}

	blocks := (size + BlockSize - 1) / BlockSize

	bm, err := OpenBitmap(filepath.Join(dir, bitmapFile), blocks)
	if err != nil {
		ms.Close()
		return nil, err
	}

	cf, err := OpenCacheFile(filepath.Join(dir, cacheFile), size)
	if err != nil {
		bm.Close()
		ms.Close()
		return nil, err
	}

	stats := NewStats(o.id)

	if o.registerer != nil {
		if err := stats.Register(o.registerer); err != nil {
			cf.Close()
			bm.Close()
			ms.Close()
			return nil, errors.Wrapf(err, "registering metrics")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Proxy{
		log:       log,
		o:         o,
		dir:       dir,
		size:      size,
		meta:      meta,
		metaStore: ms,
		bitmap:    bm,
		cache:     cf,
		stats:     stats,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[*session]struct{}),
		retryDone: make(chan struct{}),
	}

	p.fwd = NewForwarder(log, conn, size, bm, cf, stats)

	go p.retryLoop()

	log.Info("proxy ready",
		"id", o.id,
		"cache", meta.ID,
		"size", size,
		"cached-blocks", bm.Count(),
		"blocks", blocks,
	)

	return p, nil
}

// DiskSize is the size of the upstream disk in bytes.
func (p *Proxy) DiskSize() uint64 {
	return p.size
}

func (p *Proxy) blocks() uint64 {
	return p.bitmap.Blocks()
}

func (p *Proxy) Stats() *Stats {
	return p.stats
}

// retryLoop reconnects the upstream whenever the forwarder starts holding
// requests on a failed connection. A connection that breaks again soon
// after being replaced delays the next reconnect, so an upstream that drops
// every attempt is not hammered. Held requests fail once the proxy is
// closing.
func (p *Proxy) retryLoop() {
	defer close(p.retryDone)

	var (
		last  time.Time
		delay time.Duration
	)

	for {
		gen, ok := p.fwd.NextBroken()
		if !ok {
			return
		}

		if gen != p.fwd.Generation() {
			// A newer connection is already on its way and picks up the
			// held requests.
			continue
		}

		switch {
		case last.IsZero() || time.Since(last) >= p.o.maxBackoff:
			delay = 0
		case delay == 0:
			delay = p.o.minBackoff
		default:
			delay *= 2
			if delay > p.o.maxBackoff {
				delay = p.o.maxBackoff
			}
		}

		p.log.Warn("upstream connection failed, reconnecting", "generation", gen, "delay", delay)

		err := p.pause(delay)
		if err == nil {
			err = p.reconnect(p.ctx, gen)
		}

		if err != nil {
			p.log.Error("unable to reconnect upstream, failing held requests", "error", err)
			p.fwd.Abandon()
			continue
		}

		last = time.Now()
	}
}

// pause waits for d unless the proxy closes first.
func (p *Proxy) pause(d time.Duration) error {
	if d == 0 {
		return p.ctx.Err()
	}

	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// reconnect installs a new upstream connection unless one newer than gen is
// already in place. It retries with exponential backoff until ctx is done.
func (p *Proxy) reconnect(ctx context.Context, gen uint64) error {
	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()

	if p.fwd.Generation() != gen {
		return nil
	}

	backoff := p.o.minBackoff

	for attempt := 1; ; attempt++ {
		conn, size, err := p.o.dialer(ctx)
		if err == nil {
			if size == p.size {
				p.fwd.Reconnect(conn)
				p.stats.Reconnected()
				p.log.Info("reconnected upstream", "attempt", attempt, "generation", p.fwd.Generation())
				return nil
			}

			conn.Close()
			err = errors.Errorf("upstream size changed from %d to %d", p.size, size)
		}

		p.log.Warn("upstream reconnect failed, retrying", "error", err, "attempt", attempt, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > p.o.maxBackoff {
			backoff = p.o.maxBackoff
		}
	}
}

// Reconnect replaces the upstream connection, even if the current one is
// healthy.
func (p *Proxy) Reconnect(ctx context.Context) error {
	return p.reconnect(ctx, p.fwd.Generation())
}

// enter registers a unit of work that must finish before the forwarder
// shuts down.
func (p *Proxy) enter() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return ErrProxyClosed
	}

	p.busy.Add(1)

	return nil
}

// Serve accepts clients on l until ctx is done or the proxy is closed.
func (p *Proxy) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-p.ctx.Done():
		}
		l.Close()
	}()

	p.log.Info("accepting clients", "addr", l.Addr())

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || p.ctx.Err() != nil {
				return nil
			}

			return err
		}

		p.log.Debug("client connected", "remote", conn.RemoteAddr())

		go func() {
			if err := p.ServeConn(conn); err != nil {
				p.log.Error("client session ended with error", "error", err, "remote", conn.RemoteAddr())
			}
		}()
	}
}

// Close stops accepting work, finishes outstanding requests and closes the
// cache.
func (p *Proxy) Close() error {
	var err error

	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.cancel()
		for s := range p.sessions {
			s.conn.Close()
		}
		p.mu.Unlock()

		p.busy.Wait()

		p.fwd.Shutdown()
		<-p.retryDone
		p.fwd.Wait()

		if p.bitmap.Complete() {
			meta, merr := p.metaStore.MarkComplete(p.meta)
			if merr != nil {
				p.log.Error("error recording completed cache", "error", merr)
			} else {
				p.meta = meta
			}
		}

		err = p.cache.Sync()

		if serr := p.bitmap.Sync(); err == nil {
			err = serr
		}

		for _, c := range []io.Closer{p.cache, p.bitmap, p.metaStore} {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}

		p.log.Info("proxy closed")
	})

	return err
}
