package nbdcache

import (
	"io"
	"time"

	"github.com/lab47/nbdcache/pkg/nbd"
	"github.com/pkg/errors"
)

// maxDirectIO is the largest request ReadAt and WriteAt submit at once.
const maxDirectIO = 256 * BlockSize

var ErrReadOnly = errors.New("proxy is read only")

// roundTrip submits a single request to the forwarder and waits for it.
func (p *Proxy) roundTrip(typ uint16, off uint64, length uint32, data []byte) error {
	if err := p.enter(); err != nil {
		return err
	}

	defer p.busy.Done()

	replies := make(chan *Request, 1)

	req := NewRequest(nbd.Request{Type: typ, Offset: off, Length: length}, replies)

	switch typ {
	case nbd.TRANSMISSION_TYPE_REQUEST_READ:
		req.ReadData = data
	case nbd.TRANSMISSION_TYPE_REQUEST_WRITE:
		req.WriteData = data
	}

	p.fwd.Submit(req)

	req = <-replies

	p.stats.ObserveRequest(time.Since(req.start))

	if req.Error != 0 {
		return errors.Wrapf(&nbd.RemoteError{Code: req.Error}, "%s at %d", nbd.CommandName(typ), off)
	}

	return nil
}

// chunked splits [off, off+len(b)) into requests of at most maxDirectIO
// bytes.
func (p *Proxy) chunked(typ uint16, b []byte, off uint64) (int, error) {
	var done int

	for done < len(b) {
		n := len(b) - done
		if n > maxDirectIO {
			n = maxDirectIO
		}

		err := p.roundTrip(typ, off+uint64(done), uint32(n), b[done:done+n])
		if err != nil {
			return done, err
		}

		done += n
	}

	return done, nil
}

// ReadAt reads through the cache, fetching missing blocks from upstream.
func (p *Proxy) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Errorf("negative offset %d", off)
	}

	if uint64(off) >= p.size {
		return 0, io.EOF
	}

	var short bool

	if rest := p.size - uint64(off); uint64(len(b)) > rest {
		b = b[:rest]
		short = true
	}

	n, err := p.chunked(nbd.TRANSMISSION_TYPE_REQUEST_READ, b, uint64(off))
	if err == nil && short {
		err = io.EOF
	}

	return n, err
}

// WriteAt writes into the cache. Upstream is never modified.
func (p *Proxy) WriteAt(b []byte, off int64) (int, error) {
	if p.o.readOnly {
		return 0, ErrReadOnly
	}

	if off < 0 || uint64(off) > p.size || uint64(len(b)) > p.size-uint64(off) {
		return 0, errors.Errorf("write of %d bytes at %d is past the end of the disk", len(b), off)
	}

	return p.chunked(nbd.TRANSMISSION_TYPE_REQUEST_WRITE, b, uint64(off))
}

// Trim zeros the given range in the cache.
func (p *Proxy) Trim(off, sz int64) error {
	if p.o.readOnly {
		return ErrReadOnly
	}

	if off < 0 || sz < 0 || uint64(off) > p.size || uint64(sz) > p.size-uint64(off) {
		return errors.Errorf("trim of %d bytes at %d is past the end of the disk", sz, off)
	}

	for sz > 0 {
		n := sz
		if n > maxDirectIO {
			n = maxDirectIO
		}

		if err := p.roundTrip(nbd.TRANSMISSION_TYPE_REQUEST_TRIM, uint64(off), uint32(n), nil); err != nil {
			return err
		}

		off += n
		sz -= n
	}

	return nil
}

// Sync flushes the cache file and the bitmap.
func (p *Proxy) Sync() error {
	return p.roundTrip(nbd.TRANSMISSION_TYPE_REQUEST_FLUSH, 0, 0, nil)
}

// Size reports the disk size, satisfying nbd.Backend.
func (p *Proxy) Size() (int64, error) {
	return int64(p.size), nil
}

var _ nbd.Backend = (*Proxy)(nil)
