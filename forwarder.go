package nbdcache

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/mode"
	"github.com/lab47/nbdcache/pkg/nbd"
	"github.com/pkg/errors"
)

// RegionMapper provides access to the cache file's contents.
type RegionMapper interface {
	Acquire(offset, length uint64) (*Region, error)
	Sync() error
	PunchHole(offset, length uint64) error
}

type messageKind int

const (
	msgRequest messageKind = iota
	msgReconnect
	msgAbandon
	msgShutdown
)

func (k messageKind) String() string {
	switch k {
	case msgRequest:
		return "request"
	case msgReconnect:
		return "reconnect"
	case msgAbandon:
		return "abandon"
	case msgShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type message struct {
	kind messageKind
	req  *Request

	conn io.ReadWriteCloser
	gen  uint64
}

const (
	// maxInFlight bounds the requests between Submit and delivery.
	maxInFlight = 64
	queueDepth  = maxInFlight + 8
)

// Forwarder fetches the blocks requests need from upstream and applies the
// requests to the cache. A transmit goroutine prepares requests and sends
// the upstream reads, a receive goroutine reads the replies into the cache
// file and delivers finished requests to their reply channel.
//
// Requests whose upstream connection failed are held by the receive side
// until Reconnect installs a new connection, at which point they are sent
// again ahead of anything submitted later, or until Abandon fails them.
// NextBroken reports when requests start being held.
type Forwarder struct {
	log      hclog.Logger
	diskSize uint64

	bitmap BitmapStore
	cache  RegionMapper
	stats  StatsSink

	in       chan message
	mid      chan message
	requeued chan []*Request
	slots    chan struct{}

	broken    chan struct{}
	brokenGen atomic.Uint64
	done      chan struct{}

	gen atomic.Uint64

	// Blocks the receive side marked cached that were never filled. The
	// transmit side clears them from the bitmap.
	unfilledMu sync.Mutex
	unfilled   []Extent

	// Owned by the transmit goroutine.
	seq      uint64
	txConn   io.ReadWriteCloser
	txGen    uint64
	txBroken bool

	// Owned by the receive goroutine.
	rxConn   io.ReadWriteCloser
	rxGen    uint64
	rxBroken bool
	held     []*Request
	holes    map[LBA]struct{}

	wg sync.WaitGroup
}

// NewForwarder starts a forwarder for a disk of diskSize bytes whose
// upstream is reached through conn.
func NewForwarder(log hclog.Logger, conn io.ReadWriteCloser, diskSize uint64, bm BitmapStore, cache RegionMapper, stats StatsSink) *Forwarder {
	f := &Forwarder{
		log:      log.Named("forwarder"),
		diskSize: diskSize,
		bitmap:   bm,
		cache:    cache,
		stats:    stats,
		in:       make(chan message, queueDepth),
		mid:      make(chan message, queueDepth),
		requeued: make(chan []*Request, 1),
		slots:    make(chan struct{}, maxInFlight),
		broken:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		txConn:   conn,
		rxConn:   conn,
		holes:    make(map[LBA]struct{}),
	}

	f.wg.Add(2)
	go f.transmit()
	go f.receive()

	return f
}

// Submit queues req for processing. It blocks while too many requests are
// in flight.
func (f *Forwarder) Submit(req *Request) {
	f.slots <- struct{}{}
	f.in <- message{kind: msgRequest, req: req}
}

// Reconnect replaces the upstream connection. Held requests are sent on
// conn first, then everything submitted afterwards. Requests already queued
// finish on the old connection.
func (f *Forwarder) Reconnect(conn io.ReadWriteCloser) uint64 {
	gen := f.gen.Add(1)
	f.in <- message{kind: msgReconnect, conn: conn, gen: gen}
	return gen
}

// Abandon fails every held request with EIO and gives back the blocks they
// claimed. The broken connection stays in place.
func (f *Forwarder) Abandon() {
	f.in <- message{kind: msgAbandon}
}

// Generation counts the connections installed by Reconnect.
func (f *Forwarder) Generation() uint64 {
	return f.gen.Load()
}

// Shutdown stops both goroutines once every request submitted before it has
// been processed. Requests still held at that point fail with EIO.
func (f *Forwarder) Shutdown() {
	f.in <- message{kind: msgShutdown}
}

// Wait blocks until both goroutines have exited.
func (f *Forwarder) Wait() {
	f.wg.Wait()
}

// NextBroken waits until requests are held because the upstream connection
// failed and returns the generation of that connection. It reports false
// once the forwarder has shut down.
func (f *Forwarder) NextBroken() (uint64, bool) {
	select {
	case <-f.broken:
		return f.brokenGen.Load(), true
	case <-f.done:
		return 0, false
	}
}

func (f *Forwarder) transmit() {
	defer f.wg.Done()

	log := f.log.Named("tx")
	log.Debug("transmit loop started")

	for msg := range f.in {
		f.releaseUnfilled(log)

		switch msg.kind {
		case msgShutdown:
			f.mid <- msg
			log.Debug("transmit loop exiting")
			return
		case msgReconnect:
			f.txConn = msg.conn
			f.txGen = msg.gen
			f.txBroken = false
			log.Info("switched upstream connection", "generation", msg.gen)
			f.mid <- msg

			// Held requests claimed their blocks before anything still in
			// the queue was prepared, so they go out first.
			held := <-f.requeued
			if len(held) > 0 {
				log.Info("resending held requests", "count", len(held), "generation", msg.gen)
			}

			for _, req := range held {
				f.send(log, req)
				f.mid <- message{kind: msgRequest, req: req}
			}

			continue
		case msgAbandon:
			f.mid <- msg

			for _, req := range <-f.requeued {
				log.Warn("failing held request", "request", req)
				req.Error = nbd.TRANSMISSION_ERROR_EIO
				req.Exit = true
				release(req, f.bitmap)
				f.mid <- message{kind: msgRequest, req: req}
			}

			continue
		}

		req := msg.req

		if req.Exit {
			if req.Error != 0 && len(req.claimed) > 0 {
				log.Warn("releasing blocks of failed request", "request", req, "claimed", req.claimed)
				release(req, f.bitmap)
			}

			f.mid <- msg
			continue
		}

		if !req.Prepared {
			err := prepare(req, f.bitmap, f.stats)

			req.Seq = f.seq
			f.seq++

			if err != nil {
				log.Error("unable to prepare request, failing it", "error", err, "request", req)
				req.Error = nbd.TRANSMISSION_ERROR_EIO
				req.Exit = true
				f.mid <- msg
				continue
			}
		}

		f.send(log, req)

		f.mid <- msg
	}
}

// send writes the upstream reads for req's ranges on the current
// connection, flagging req for retry if that fails.
func (f *Forwarder) send(log hclog.Logger, req *Request) {
	req.gen = f.txGen
	req.Retry = false

	if f.txBroken {
		req.Retry = true
		return
	}

	for _, e := range req.Ranges {
		off, length := e.ByteRange(f.diskSize)

		err := nbd.SendReadRequest(f.txConn, off, length)
		if err != nil {
			log.Warn("sending read request failed", "error", err, "seq", req.Seq)
			f.txBroken = true
			req.Retry = true
			break
		}
	}

	log.Trace("transmitted", "request", req, "retry", req.Retry)
}

func (f *Forwarder) receive() {
	defer f.wg.Done()

	log := f.log.Named("rx")
	log.Debug("receive loop started")

	for msg := range f.mid {
		switch msg.kind {
		case msgShutdown:
			f.failHeld(log)
			f.releaseUnfilled(log)
			f.closeUpstream(log)
			close(f.done)
			log.Debug("receive loop exiting")
			return
		case msgReconnect:
			if f.rxConn != msg.conn {
				f.rxConn.Close()
			}
			f.rxConn = msg.conn
			f.rxGen = msg.gen
			f.rxBroken = false
			f.requeue()
			continue
		case msgAbandon:
			f.requeue()
			continue
		}

		req := msg.req

		if req.Exit {
			f.deliver(req)
			continue
		}

		if err := f.process(log, req); err != nil {
			log.Error("unable to apply request to cache", "error", err, "request", req)
			req.Error = nbd.TRANSMISSION_ERROR_EIO
		}

		if req.Retry {
			f.stats.Retried()
			f.hold(req)
			continue
		}

		f.deliver(req)
	}
}

// hold keeps req until the next reconnect or abandon. The first request
// held wakes up NextBroken.
func (f *Forwarder) hold(req *Request) {
	f.held = append(f.held, req)

	if len(f.held) > 1 {
		return
	}

	f.brokenGen.Store(f.rxGen)

	select {
	case f.broken <- struct{}{}:
	default:
	}
}

// requeue hands the held requests to the transmit side, which is waiting
// for them.
func (f *Forwarder) requeue() {
	held := f.held
	f.held = nil
	f.requeued <- held
}

// failHeld runs once the transmit side has exited, so the receive side may
// clear bits itself.
func (f *Forwarder) failHeld(log hclog.Logger) {
	for _, req := range f.held {
		log.Warn("failing held request at shutdown", "request", req)
		req.Error = nbd.TRANSMISSION_ERROR_EIO
		req.Exit = true
		release(req, f.bitmap)
		f.deliver(req)
	}

	f.held = nil
}

// process receives the request's fetches into the cache and applies the
// request. The cache window is released before it returns.
func (f *Forwarder) process(log hclog.Logger, req *Request) error {
	if req.Retry {
		// The transmit side never finished sending, so the replies on this
		// connection can no longer be matched to requests.
		f.markBroken()
		return nil
	}

	if f.rxBroken {
		req.Retry = true
		return nil
	}

	var region *Region

	if req.usesRegion() {
		var err error

		region, err = f.cache.Acquire(req.Offset, uint64(req.Length))
		if err != nil {
			// Nowhere to put the replies, so the connection is out of step.
			f.markBroken()
			f.unfill(req.claimed)
			return err
		}

		defer region.Release()
	}

	var failed []Extent

	for _, e := range req.Ranges {
		off, length := e.ByteRange(f.diskSize)

		err := nbd.RecvReadReply(f.rxConn, nbd.ProxyHandle, region.At(off, length))
		if err != nil {
			var re *nbd.RemoteError
			if errors.As(err, &re) {
				// Upstream answered, so the connection is still in step.
				log.Error("upstream failed to read blocks", "code", re.Code, "extent", e, "seq", req.Seq)
				failed = append(failed, e)
				continue
			}

			log.Warn("receiving read reply failed", "error", err, "seq", req.Seq)
			f.markBroken()
			req.Retry = true
			return nil
		}

		if mode.Debug() {
			logBlocks(log, "fetched block", e.LBA, region.At(off, length))
		}
	}

	if len(failed) > 0 {
		req.Error = nbd.TRANSMISSION_ERROR_EIO

		if req.Type == nbd.TRANSMISSION_TYPE_REQUEST_WRITE {
			f.unfill(req.claimed)
		} else {
			f.plug(req.Ranges)
			f.unfill(failed)
		}

		return nil
	}

	if req.usesRegion() {
		lba, missing := f.dependsOnHole(req)

		f.plug(req.Ranges)

		if missing {
			log.Error("request needs a block upstream failed to supply", "block", lba, "request", req)
			req.Error = nbd.TRANSMISSION_ERROR_EIO

			if req.Type == nbd.TRANSMISSION_TYPE_REQUEST_WRITE {
				f.unfill(req.claimed)
			}

			return nil
		}

		f.plug(req.claimed)
	}

	switch req.Type {
	case nbd.TRANSMISSION_TYPE_REQUEST_READ:
		if req.Length > 0 {
			if len(req.ReadData) < int(req.Length) {
				req.ReadData = make([]byte, req.Length)
			}

			copy(req.ReadData, region.At(req.Offset, uint64(req.Length)))
		}
	case nbd.TRANSMISSION_TYPE_REQUEST_WRITE:
		// Fetched edge blocks are already in place; the client's data goes
		// over them.
		if req.Length > 0 {
			copy(region.At(req.Offset, uint64(req.Length)), req.WriteData)
		}
	case nbd.TRANSMISSION_TYPE_REQUEST_CACHE:
		// Preparation already claimed the blocks.
	case nbd.TRANSMISSION_TYPE_REQUEST_FLUSH:
		if err := f.cache.Sync(); err != nil {
			return errors.Wrapf(err, "syncing cache file")
		}

		if err := f.bitmap.Sync(); err != nil {
			return errors.Wrapf(err, "syncing bitmap")
		}
	case nbd.TRANSMISSION_TYPE_REQUEST_TRIM:
		// The blocks stay marked cached and now read back as zeros.
		if err := f.cache.PunchHole(req.Offset, uint64(req.Length)); err != nil {
			return err
		}
	default:
		req.Error = nbd.TRANSMISSION_ERROR_EINVAL
	}

	return nil
}

// unfill records blocks that are marked cached but hold no data. Requests
// already prepared against them fail until a later fetch fills them.
func (f *Forwarder) unfill(extents []Extent) {
	if len(extents) == 0 {
		return
	}

	for _, e := range extents {
		for lba := e.LBA; lba <= e.Last(); lba++ {
			f.holes[lba] = struct{}{}
		}
	}

	f.unfilledMu.Lock()
	f.unfilled = append(f.unfilled, extents...)
	f.unfilledMu.Unlock()
}

// plug forgets holes that extents have filled.
func (f *Forwarder) plug(extents []Extent) {
	if len(f.holes) == 0 {
		return
	}

	for _, e := range extents {
		for lba := e.LBA; lba <= e.Last(); lba++ {
			delete(f.holes, lba)
		}
	}
}

// dependsOnHole returns a block req relies on being cached that is a hole.
// Blocks req claimed itself were fetched or written by it.
func (f *Forwarder) dependsOnHole(req *Request) (LBA, bool) {
	for lba := range f.holes {
		if lba < req.Start || lba > req.End {
			continue
		}

		owned := false

		for _, e := range req.claimed {
			if lba >= e.LBA && lba <= e.Last() {
				owned = true
				break
			}
		}

		if !owned {
			return lba, true
		}
	}

	return 0, false
}

// releaseUnfilled clears the bits of blocks recorded by unfill. Only the
// goroutine that owns the bitmap calls it.
func (f *Forwarder) releaseUnfilled(log hclog.Logger) {
	f.unfilledMu.Lock()
	extents := f.unfilled
	f.unfilled = nil
	f.unfilledMu.Unlock()

	if len(extents) == 0 {
		return
	}

	log.Warn("releasing blocks that were never filled", "extents", extents)

	for _, e := range extents {
		for lba := e.LBA; lba <= e.Last(); lba++ {
			f.bitmap.Clear(lba)
		}
	}
}

// markBroken stops the receive side from reading the current connection.
// Closing it also fails any send the transmit side still attempts.
func (f *Forwarder) markBroken() {
	if f.rxBroken {
		return
	}

	f.rxBroken = true
	f.rxConn.Close()
}

func (f *Forwarder) closeUpstream(log hclog.Logger) {
	if f.rxConn == nil {
		return
	}

	if !f.rxBroken {
		if err := nbd.SendDisconnect(f.rxConn); err != nil {
			log.Debug("error sending disconnect upstream", "error", err)
		}
	}

	f.rxConn.Close()
}

func (f *Forwarder) deliver(req *Request) {
	if req.reply != nil {
		req.reply <- req
	}

	<-f.slots
}
