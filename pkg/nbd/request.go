package nbd

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

const (
	// MaxTransferLength is the largest payload a single request can describe.
	MaxTransferLength = math.MaxUint32

	// ProxyHandle is the handle used for every request the proxy sends
	// upstream. Replies arrive in order so a fixed handle is sufficient.
	ProxyHandle = uint64(math.MaxUint64)
)

// Request is a request admitted by RecvRequest.
type Request struct {
	Type   uint16
	Flags  uint16
	Handle uint64
	Offset uint64
	Length uint32
}

// SendRequestHeader writes a single request header. The header is encoded
// completely before it is written so it goes out in one Write.
func SendRequestHeader(w io.Writer, typ uint16, offset, length, handle uint64) error {
	if length > MaxTransferLength {
		return ErrLengthTooLarge
	}

	if offset > math.MaxInt64 || length > math.MaxInt64-offset {
		return ErrOffsetOverflow
	}

	err := binary.Write(w, binary.BigEndian, TransmissionRequestHeader{
		RequestMagic: TRANSMISSION_MAGIC_REQUEST,
		Type:         typ,
		Handle:       handle,
		Offset:       offset,
		Length:       uint32(length),
	})
	if err != nil {
		return errors.Wrapf(err, "sending %s request header", CommandName(typ))
	}

	return nil
}

func SendReadRequest(w io.Writer, offset, length uint64) error {
	return SendRequestHeader(w, TRANSMISSION_TYPE_REQUEST_READ, offset, length, ProxyHandle)
}

func SendDisconnect(w io.Writer) error {
	return SendRequestHeader(w, TRANSMISSION_TYPE_REQUEST_DISC, 0, 0, 0)
}

// RecvReplyHeader reads one reply header and validates it against handle.
func RecvReplyHeader(r io.Reader, handle uint64) error {
	var reply TransmissionReplyHeader

	if err := binary.Read(r, binary.BigEndian, &reply); err != nil {
		return errors.Wrapf(err, "receiving reply header")
	}

	if reply.ReplyMagic != TRANSMISSION_MAGIC_REPLY {
		return ErrInvalidMagic
	}

	if reply.Handle != handle {
		return ErrHandleMismatch
	}

	if reply.Error != 0 {
		return &RemoteError{Code: reply.Error}
	}

	return nil
}

// RecvReadReply reads a reply header followed by its payload, filling bufs
// in order.
func RecvReadReply(r io.Reader, handle uint64, bufs ...[]byte) error {
	if err := RecvReplyHeader(r, handle); err != nil {
		return err
	}

	for _, b := range bufs {
		if _, err := io.ReadFull(r, b); err != nil {
			return errors.Wrapf(err, "receiving read payload")
		}
	}

	return nil
}

// SendReply writes a reply header followed by an optional payload.
func SendReply(w io.Writer, reply *TransmissionReplyHeader, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, reply); err != nil {
		return errors.Wrapf(err, "sending reply header")
	}

	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			return errors.Wrapf(err, "sending reply payload")
		}
	}

	return nil
}

// RecvRequest reads and validates one request from a client. reply is
// initialized with the client's handle untouched. A request that is well
// formed but can not be served returns ErrBadRequest with reply.Error set;
// the session may continue. Any other error ends the session.
func RecvRequest(r io.Reader, diskSize uint64, reply *TransmissionReplyHeader) (Request, error) {
	var hdr TransmissionRequestHeader

	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return Request{}, errors.Wrapf(err, "receiving request header")
	}

	if hdr.RequestMagic != TRANSMISSION_MAGIC_REQUEST {
		return Request{}, ErrInvalidMagic
	}

	reply.ReplyMagic = TRANSMISSION_MAGIC_REPLY
	reply.Error = 0
	reply.Handle = hdr.Handle

	req := Request{
		Type:   hdr.Type,
		Flags:  hdr.CommandFlags,
		Handle: hdr.Handle,
		Offset: hdr.Offset,
		Length: hdr.Length,
	}

	// The type is matched as the full 32bit field, so a command with flags
	// set is not one we know. A flagged disconnect is answered, not obeyed.
	if hdr.CommandFlags != 0 {
		reply.Error = TRANSMISSION_ERROR_EINVAL
		return req, ErrBadRequest
	}

	if hdr.Type == TRANSMISSION_TYPE_REQUEST_DISC {
		return Request{}, ErrDisconnect
	}

	if hdr.Type == TRANSMISSION_TYPE_REQUEST_FLUSH {
		if hdr.Offset != 0 || hdr.Length != 0 {
			reply.Error = TRANSMISSION_ERROR_EINVAL
			return req, ErrBadRequest
		}
	}

	if hdr.Offset > diskSize || uint64(hdr.Length) > diskSize-hdr.Offset {
		reply.Error = TRANSMISSION_ERROR_EINVAL
		return req, ErrBadRequest
	}

	return req, nil
}
