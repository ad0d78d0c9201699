package nbdcache

import (
	"fmt"
	"time"

	"github.com/lab47/nbdcache/pkg/nbd"
	"github.com/pkg/errors"
)

const (
	BlockSize = 4096

	// MaxFetchRanges bounds the number of upstream reads a single request
	// can be split into. With 4k blocks a request is fragmented at most by
	// the blocks already cached inside it, and clients issue requests small
	// enough that this is not reached.
	MaxFetchRanges = 10
)

var ErrTooManyRanges = errors.New("request needs more than 10 upstream fetch ranges")

// Request is a client request travelling through the forwarder.
type Request struct {
	Type   uint16
	Handle uint64
	Offset uint64
	Length uint32

	// First and last block covered. Only meaningful when Length > 0.
	Start, End LBA

	// Ranges are fetched from upstream, in order, before the request
	// completes.
	Ranges []Extent

	ReadData  []byte
	WriteData []byte

	Seq uint64

	Prepared bool
	Retry    bool
	Exit     bool

	// Error is the NBD error code sent back to the client.
	Error uint32

	// claimed holds the blocks this request marked cached itself.
	claimed []Extent

	gen   uint64
	start time.Time
	reply chan<- *Request
}

// NewRequest builds a Request for an admitted client request. The finished
// request is delivered to reply.
func NewRequest(hdr nbd.Request, reply chan<- *Request) *Request {
	req := &Request{
		Type:   hdr.Type,
		Handle: hdr.Handle,
		Offset: hdr.Offset,
		Length: hdr.Length,
		start:  time.Now(),
		reply:  reply,
	}

	if req.Length > 0 {
		req.Start, req.End = BlockRange(req.Offset, uint64(req.Length))
	}

	return req
}

func (r *Request) String() string {
	return fmt.Sprintf("%s seq=%d off=%d len=%d ranges=%v", nbd.CommandName(r.Type), r.Seq, r.Offset, r.Length, r.Ranges)
}

// usesRegion reports whether the request touches the cache file's contents.
func (r *Request) usesRegion() bool {
	if r.Length == 0 {
		return false
	}

	switch r.Type {
	case nbd.TRANSMISSION_TYPE_REQUEST_READ,
		nbd.TRANSMISSION_TYPE_REQUEST_WRITE,
		nbd.TRANSMISSION_TYPE_REQUEST_CACHE:
		return true
	default:
		return false
	}
}

// Reply fills in the header for the client's reply.
func (r *Request) Reply() nbd.TransmissionReplyHeader {
	return nbd.TransmissionReplyHeader{
		ReplyMagic: nbd.TRANSMISSION_MAGIC_REPLY,
		Error:      r.Error,
		Handle:     r.Handle,
	}
}

// rangeList accumulates fetch ranges, merging contiguous blocks.
type rangeList []Extent

func (l *rangeList) add(lba LBA) error {
	xs := *l

	if n := len(xs); n > 0 && xs[n-1].Last()+1 == lba {
		xs[n-1].Blocks++
		return nil
	}

	if len(xs) == MaxFetchRanges {
		return ErrTooManyRanges
	}

	*l = append(xs, Extent{LBA: lba, Blocks: 1})

	return nil
}
