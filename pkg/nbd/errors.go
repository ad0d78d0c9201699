package nbd

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrProtocolViolation is wrapped by every error that requires the
// connection to be discarded rather than just the request.
var ErrProtocolViolation = errors.New("nbd protocol violation")

var (
	ErrInvalidMagic       = errors.Wrap(ErrProtocolViolation, "invalid magic")
	ErrInvalidPassword    = errors.Wrap(ErrProtocolViolation, "invalid negotiation password")
	ErrHandleMismatch     = errors.Wrap(ErrProtocolViolation, "reply handle mismatch")
	ErrUnexpectedNewstyle = errors.Wrap(ErrProtocolViolation, "expected oldstyle server, found newstyle")
	ErrUnexpectedOldstyle = errors.Wrap(ErrProtocolViolation, "expected newstyle server, found oldstyle")
	ErrUnsupportedOption  = errors.Wrap(ErrProtocolViolation, "unsupported negotiation option")
	ErrExportNameTooLong  = errors.Wrap(ErrProtocolViolation, "export name too long")
	ErrSizeTooLarge       = errors.Wrap(ErrProtocolViolation, "export size exceeds maximum offset")
)

var (
	ErrLengthTooLarge = errors.New("request length exceeds 32bit transfer limit")
	ErrOffsetOverflow = errors.New("request offset plus length overflows")

	// ErrBadRequest is returned by RecvRequest for a well formed request that
	// can not be served. The reply already carries the error code.
	ErrBadRequest = errors.New("bad request")

	// ErrDisconnect is returned by RecvRequest when the client asks to end
	// the session.
	ErrDisconnect = errors.New("client requested disconnect")

	ErrUnknownExport = errors.New("unknown export")
)

// RemoteError is a nonzero error field in a reply from the peer.
type RemoteError struct {
	Code uint32
}

func (r *RemoteError) Error() string {
	return fmt.Sprintf("nbd remote error %d", r.Code)
}

// IsProtocolViolation reports whether err means the connection is unusable.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}
