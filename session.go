package nbdcache

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/nbdcache/pkg/nbd"
	"github.com/pkg/errors"
)

const defaultMaximumRequestSize = 32 * 1024 * 1024

// session is one client connection. The reader admits requests into the
// forwarder, the writer sends replies back in the order the forwarder
// finishes them.
type session struct {
	p    *Proxy
	log  hclog.Logger
	conn net.Conn

	replies chan *Request
	pending sync.WaitGroup
}

// ServeConn negotiates with a client on conn and serves its requests until
// it disconnects or the proxy is closed. conn is closed on return.
func (p *Proxy) ServeConn(conn net.Conn) error {
	defer conn.Close()

	s := &session{
		p:       p,
		log:     p.log.Named("session").With("remote", conn.RemoteAddr()),
		conn:    conn,
		replies: make(chan *Request, queueDepth),
	}

	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return ErrProxyClosed
	}
	p.sessions[s] = struct{}{}
	p.busy.Add(1)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.sessions, s)
		p.mu.Unlock()

		p.busy.Done()
	}()

	export, _, err := nbd.Negotiate(s.log, conn, []*nbd.Export{
		{Name: p.o.exportName, Backend: p},
	}, &nbd.Options{
		ReadOnly:    p.o.readOnly,
		Negotiation: p.o.negotiation,
	})
	if err != nil {
		return errors.Wrapf(err, "negotiating with client")
	}

	if export == nil {
		s.log.Debug("client aborted negotiation")
		return nil
	}

	s.log.Info("client session started", "negotiation", p.o.negotiation, "read-only", p.o.readOnly)

	done := make(chan error, 1)

	go s.writeReplies(done)

	rerr := s.readRequests()

	s.pending.Wait()
	close(s.replies)

	werr := <-done

	s.log.Info("client session ended")

	if p.ctx.Err() != nil {
		return nil
	}

	if rerr != nil {
		return rerr
	}

	return werr
}

func (s *session) submit(req *Request) {
	s.pending.Add(1)
	s.p.fwd.Submit(req)
}

// reject queues a request that is answered without touching the cache so
// that its reply keeps its place among the others.
func (s *session) reject(req *Request, code uint32) {
	req.Error = code
	req.Exit = true
	s.submit(req)
}

func (s *session) readRequests() error {
	for {
		var reply nbd.TransmissionReplyHeader

		hdr, err := nbd.RecvRequest(s.conn, s.p.size, &reply)
		if err != nil {
			switch {
			case errors.Is(err, nbd.ErrDisconnect):
				s.log.Debug("client disconnected")
				return nil
			case errors.Is(err, nbd.ErrBadRequest):
				s.log.Warn("bad request", "type", nbd.CommandName(hdr.Type), "offset", hdr.Offset, "length", hdr.Length)

				if hdr.Type == nbd.TRANSMISSION_TYPE_REQUEST_WRITE {
					if _, err := io.CopyN(io.Discard, s.conn, int64(hdr.Length)); err != nil {
						return err
					}
				}

				s.reject(NewRequest(hdr, s.replies), reply.Error)
				continue
			default:
				if s.p.ctx.Err() != nil {
					return nil
				}

				return err
			}
		}

		if hdr.Length > defaultMaximumRequestSize &&
			(hdr.Type == nbd.TRANSMISSION_TYPE_REQUEST_READ || hdr.Type == nbd.TRANSMISSION_TYPE_REQUEST_WRITE) {
			return errors.Wrapf(nbd.ErrInvalidBlocksize, "%s of %d bytes", nbd.CommandName(hdr.Type), hdr.Length)
		}

		req := NewRequest(hdr, s.replies)

		// A cache request becomes a single upstream read per range, which
		// upstream servers refuse past the same size limit.
		if hdr.Type == nbd.TRANSMISSION_TYPE_REQUEST_CACHE && hdr.Length > defaultMaximumRequestSize {
			s.log.Warn("cache request too large", "offset", hdr.Offset, "length", hdr.Length)
			s.reject(req, nbd.TRANSMISSION_ERROR_EINVAL)
			continue
		}

		s.log.Trace("request", "type", nbd.CommandName(hdr.Type), "offset", hdr.Offset, "length", hdr.Length)

		switch hdr.Type {
		case nbd.TRANSMISSION_TYPE_REQUEST_READ:
			req.ReadData = buffers.Get(int(hdr.Length))
		case nbd.TRANSMISSION_TYPE_REQUEST_WRITE:
			req.WriteData = buffers.Get(int(hdr.Length))

			if _, err := io.ReadFull(s.conn, req.WriteData); err != nil {
				buffers.Return(req.WriteData)
				return errors.Wrapf(err, "reading write payload")
			}

			if s.p.o.readOnly {
				s.reject(req, nbd.TRANSMISSION_ERROR_EPERM)
				continue
			}
		case nbd.TRANSMISSION_TYPE_REQUEST_TRIM:
			if s.p.o.readOnly {
				s.reject(req, nbd.TRANSMISSION_ERROR_EPERM)
				continue
			}
		case nbd.TRANSMISSION_TYPE_REQUEST_FLUSH, nbd.TRANSMISSION_TYPE_REQUEST_CACHE:
		default:
			s.reject(req, nbd.TRANSMISSION_ERROR_EINVAL)
			continue
		}

		s.submit(req)
	}
}

// writeReplies sends a reply for every finished request. After a write
// error the connection is closed and the remaining requests are only
// drained.
func (s *session) writeReplies(done chan<- error) {
	var werr error

	for req := range s.replies {
		s.p.stats.ObserveRequest(time.Since(req.start))

		if werr == nil {
			var data []byte

			if req.Type == nbd.TRANSMISSION_TYPE_REQUEST_READ && req.Error == 0 && !req.Exit {
				data = req.ReadData[:req.Length]
			}

			reply := req.Reply()

			werr = nbd.SendReply(s.conn, &reply, data)
			if werr != nil {
				s.log.Error("error sending reply, closing connection", "error", werr, "request", req)
				s.conn.Close()
			}
		}

		if req.ReadData != nil {
			buffers.Return(req.ReadData)
		}

		if req.WriteData != nil {
			buffers.Return(req.WriteData)
		}

		s.pending.Done()
	}

	done <- werr
}
