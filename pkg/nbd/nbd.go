package nbd

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var ErrInvalidBlocksize = errors.New("invalid blocksize")

const (
	defaultMaximumRequestSize = 32 * 1024 * 1024 // Support for a 32M maximum packet size is expected: https://sourceforge.net/p/nbd/mailman/message/35081223/
)

type Negotiation int

const (
	Newstyle Negotiation = iota
	Oldstyle
)

func (n Negotiation) String() string {
	switch n {
	case Newstyle:
		return "newstyle"
	case Oldstyle:
		return "oldstyle"
	default:
		return "unknown"
	}
}

// ParseNegotiation maps a configuration value to a Negotiation.
func ParseNegotiation(s string) (Negotiation, error) {
	switch s {
	case "", "newstyle", "v2":
		return Newstyle, nil
	case "oldstyle", "v1":
		return Oldstyle, nil
	default:
		return 0, errors.Errorf("unknown negotiation style: %s", s)
	}
}

type Export struct {
	Name string

	// Description is sent after the name in LIST replies.
	Description string

	Backend Backend
}

type Options struct {
	ReadOnly    bool
	Negotiation Negotiation

	MaximumRequestSize int
}

// Negotiate runs the server side of the handshake and returns the export the
// client selected along with its size. Oldstyle always serves the first
// export. A nil export with a nil error means the client aborted.
func Negotiate(log hclog.Logger, conn io.ReadWriter, exports []*Export, options *Options) (*Export, int64, error) {
	if len(exports) == 0 {
		return nil, 0, ErrUnknownExport
	}

	if options.Negotiation == Oldstyle {
		export := exports[0]

		size, err := export.Backend.Size()
		if err != nil {
			return nil, 0, err
		}

		log.Debug("reporting device size", "size", size, "export", export.Name)

		return export, size, NegotiateOldstyle(conn, uint64(size), options.ReadOnly)
	}

	if err := NegotiateNewstyleHeader(conn); err != nil {
		return nil, 0, err
	}

	var clientFlags uint32

	if err := binary.Read(conn, binary.BigEndian, &clientFlags); err != nil {
		return nil, 0, errors.Wrapf(err, "reading client flags")
	}

	log.Trace("client flags", "value", clientFlags)

	for {
		var optionHeader NegotiationOptionHeader
		if err := binary.Read(conn, binary.BigEndian, &optionHeader); err != nil {
			return nil, 0, errors.Wrapf(err, "reading negotiation option")
		}

		if optionHeader.OptionMagic != NEGOTIATION_MAGIC_OPTION {
			return nil, 0, ErrInvalidMagic
		}

		log.Trace("negotiation option", "id", optionHeader.ID, "len", optionHeader.Length)

		switch optionHeader.ID {
		case NEGOTIATION_ID_OPTION_EXPORT_NAME:
			name, err := readExportNameOption(conn, optionHeader)
			if err != nil {
				return nil, 0, err
			}

			log.Debug("looking for export", "name", name)

			var export *Export
			for _, candidate := range exports {
				if candidate.Name == name {
					export = candidate
					break
				}
			}

			// EXPORT_NAME has no error reply, the only option is to hang up.
			if export == nil {
				log.Error("no export found", "name", name)
				return nil, 0, errors.Wrapf(ErrUnknownExport, "export %q", name)
			}

			size, err := export.Backend.Size()
			if err != nil {
				return nil, 0, err
			}

			log.Debug("reporting device size", "size", size)

			return export, size, NegotiateNewstyleExport(conn, uint64(size), options.ReadOnly)
		case NEGOTIATION_ID_OPTION_ABORT:
			if err := binary.Write(conn, binary.BigEndian, NegotiationReplyHeader{
				ReplyMagic: NEGOTIATION_MAGIC_REPLY,
				ID:         optionHeader.ID,
				Type:       NEGOTIATION_TYPE_REPLY_ACK,
				Length:     0,
			}); err != nil {
				return nil, 0, err
			}

			return nil, 0, nil
		case NEGOTIATION_ID_OPTION_LIST:
			for _, export := range exports {
				info := &bytes.Buffer{}
				exportName := []byte(export.Name)

				if err := binary.Write(info, binary.BigEndian, uint32(len(exportName))); err != nil {
					return nil, 0, err
				}

				info.Write(exportName)

				// Anything after the name is free form text for the client.
				info.WriteString(export.Description)

				if err := binary.Write(conn, binary.BigEndian, NegotiationReplyHeader{
					ReplyMagic: NEGOTIATION_MAGIC_REPLY,
					ID:         optionHeader.ID,
					Type:       NEGOTIATION_TYPE_REPLY_SERVER,
					Length:     uint32(info.Len()),
				}); err != nil {
					return nil, 0, err
				}

				if _, err := io.Copy(conn, info); err != nil {
					return nil, 0, err
				}
			}

			if err := binary.Write(conn, binary.BigEndian, NegotiationReplyHeader{
				ReplyMagic: NEGOTIATION_MAGIC_REPLY,
				ID:         optionHeader.ID,
				Type:       NEGOTIATION_TYPE_REPLY_ACK,
				Length:     0,
			}); err != nil {
				return nil, 0, err
			}
		default:
			_, err := io.CopyN(io.Discard, conn, int64(optionHeader.Length)) // Discard the unknown option's data
			if err != nil {
				return nil, 0, err
			}

			if err := binary.Write(conn, binary.BigEndian, NegotiationReplyHeader{
				ReplyMagic: NEGOTIATION_MAGIC_REPLY,
				ID:         optionHeader.ID,
				Type:       NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED,
				Length:     0,
			}); err != nil {
				return nil, 0, err
			}
		}
	}
}

// Serve negotiates with the client on conn and then services its requests
// against the selected export's backend until the client disconnects.
func Serve(log hclog.Logger, conn net.Conn, exports []*Export, options *Options) error {
	if options == nil {
		options = &Options{}
	}

	if options.MaximumRequestSize == 0 {
		options.MaximumRequestSize = defaultMaximumRequestSize
	}

	export, size, err := Negotiate(log, conn, exports, options)
	if err != nil {
		return err
	}

	if export == nil {
		log.Debug("client aborted negotiation")
		return nil
	}

	backend := export.Backend

	log.Debug("entering transmission mode", "export", export.Name, "negotiation", options.Negotiation)

	b := []byte{}

	for {
		var reply TransmissionReplyHeader

		req, err := RecvRequest(conn, uint64(size), &reply)
		if err != nil {
			switch {
			case errors.Is(err, ErrDisconnect):
				log.Debug("client disconnected")

				if !options.ReadOnly {
					return backend.Sync()
				}

				return nil
			case errors.Is(err, ErrBadRequest):
				log.Warn("bad request", "type", CommandName(req.Type), "offset", req.Offset, "length", req.Length)

				if req.Type == TRANSMISSION_TYPE_REQUEST_WRITE {
					if _, err := io.CopyN(io.Discard, conn, int64(req.Length)); err != nil {
						return err
					}
				}

				if err := SendReply(conn, &reply, nil); err != nil {
					return err
				}

				continue
			default:
				return err
			}
		}

		length := req.Length

		if req.Type == TRANSMISSION_TYPE_REQUEST_READ || req.Type == TRANSMISSION_TYPE_REQUEST_WRITE {
			if length > uint32(options.MaximumRequestSize) {
				return ErrInvalidBlocksize
			}

			if length > uint32(len(b)) {
				b = make([]byte, length)
			}
		}

		log.Trace("request", "type", CommandName(req.Type), "offset", req.Offset, "length", length)

		var data []byte

		switch req.Type {
		case TRANSMISSION_TYPE_REQUEST_READ:
			n, err := backend.ReadAt(b[:length], int64(req.Offset))
			if err != nil && !(errors.Is(err, io.EOF) && n == int(length)) {
				log.Error("backend read failed", "error", err, "offset", req.Offset)
				reply.Error = TRANSMISSION_ERROR_EIO
			} else {
				data = b[:length]
			}
		case TRANSMISSION_TYPE_REQUEST_WRITE:
			if _, err := io.ReadFull(conn, b[:length]); err != nil {
				return err
			}

			if options.ReadOnly {
				reply.Error = TRANSMISSION_ERROR_EPERM
				break
			}

			if _, err := backend.WriteAt(b[:length], int64(req.Offset)); err != nil {
				log.Error("backend write failed", "error", err, "offset", req.Offset)
				reply.Error = TRANSMISSION_ERROR_EIO
			}
		case TRANSMISSION_TYPE_REQUEST_TRIM:
			if options.ReadOnly {
				reply.Error = TRANSMISSION_ERROR_EPERM
				break
			}

			if err := backend.Trim(int64(req.Offset), int64(length)); err != nil {
				log.Error("backend trim failed", "error", err, "offset", req.Offset)
				reply.Error = TRANSMISSION_ERROR_EIO
			}
		case TRANSMISSION_TYPE_REQUEST_FLUSH:
			if !options.ReadOnly {
				if err := backend.Sync(); err != nil {
					log.Error("backend sync failed", "error", err)
					reply.Error = TRANSMISSION_ERROR_EIO
				}
			}
		case TRANSMISSION_TYPE_REQUEST_CACHE:
			// Every block of a local backend is already present.
		default:
			reply.Error = TRANSMISSION_ERROR_EINVAL
		}

		if err := SendReply(conn, &reply, data); err != nil {
			return err
		}
	}
}
