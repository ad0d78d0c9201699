package nbd

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

func transmissionFlags(readOnly bool) uint16 {
	flags := NEGOTIATION_REPLY_FLAGS_HAS_FLAGS | NEGO_FLAG_SEND_FLUSH
	if readOnly {
		flags |= NEGO_FLAG_READONLY
	}

	return flags
}

// NegotiateOldstyle sends the oldstyle handshake PDU.
func NegotiateOldstyle(w io.Writer, size uint64, readOnly bool) error {
	if size > math.MaxInt64 {
		return ErrSizeTooLarge
	}

	err := binary.Write(w, binary.BigEndian, NegotiationOldstyleHeader{
		Password: NEGOTIATION_MAGIC_OLDSTYLE,
		Magic:    NEGOTIATION_MAGIC_CLISERV,
		Size:     size,
		Flags:    uint32(transmissionFlags(readOnly)),
	})
	if err != nil {
		return errors.Wrapf(err, "sending oldstyle negotiation")
	}

	return nil
}

// ReadOldstyle is the client side of NegotiateOldstyle. The password and
// magic are read on their own first so a newstyle server is detected
// without waiting for bytes it will never send.
func ReadOldstyle(r io.Reader) (uint64, uint32, error) {
	var head [16]byte

	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, 0, errors.Wrapf(err, "receiving negotiation header")
	}

	if binary.BigEndian.Uint64(head[:]) != NEGOTIATION_MAGIC_OLDSTYLE {
		return 0, 0, ErrInvalidPassword
	}

	switch binary.BigEndian.Uint64(head[8:]) {
	case NEGOTIATION_MAGIC_CLISERV:
		// ok
	case NEGOTIATION_MAGIC_OPTION:
		return 0, 0, ErrUnexpectedNewstyle
	default:
		return 0, 0, ErrInvalidMagic
	}

	var rest struct {
		Size    uint64
		Flags   uint32
		Padding [124]byte
	}

	if err := binary.Read(r, binary.BigEndian, &rest); err != nil {
		return 0, 0, errors.Wrapf(err, "receiving negotiation body")
	}

	if rest.Size > math.MaxInt64 {
		return 0, 0, ErrSizeTooLarge
	}

	return rest.Size, rest.Flags, nil
}

// NegotiateNewstyleHeader sends the first newstyle PDU.
func NegotiateNewstyleHeader(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, NegotiationNewstyleHeader{
		OldstyleMagic:  NEGOTIATION_MAGIC_OLDSTYLE,
		OptionMagic:    NEGOTIATION_MAGIC_OPTION,
		HandshakeFlags: NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE,
	}); err != nil {
		return errors.Wrapf(err, "unable to negotiate newstyle header")
	}

	return nil
}

// ReadExportName reads the client flags and a single NBD_OPT_EXPORT_NAME
// option, returning the requested export name.
func ReadExportName(r io.Reader) (string, error) {
	var clientFlags uint32

	if err := binary.Read(r, binary.BigEndian, &clientFlags); err != nil {
		return "", errors.Wrapf(err, "reading client flags")
	}

	var optionHeader NegotiationOptionHeader
	if err := binary.Read(r, binary.BigEndian, &optionHeader); err != nil {
		return "", errors.Wrapf(err, "reading negotiation option")
	}

	return readExportNameOption(r, optionHeader)
}

func readExportNameOption(r io.Reader, optionHeader NegotiationOptionHeader) (string, error) {
	if optionHeader.OptionMagic != NEGOTIATION_MAGIC_OPTION {
		return "", ErrInvalidMagic
	}

	if optionHeader.ID != NEGOTIATION_ID_OPTION_EXPORT_NAME {
		return "", ErrUnsupportedOption
	}

	if optionHeader.Length > MaxExportNameLength {
		return "", ErrExportNameTooLong
	}

	name := make([]byte, optionHeader.Length)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", errors.Wrapf(err, "reading export name")
	}

	return string(name), nil
}

// NegotiateNewstyleExport ends the newstyle handshake with the export size
// and transmission flags.
func NegotiateNewstyleExport(w io.Writer, size uint64, readOnly bool) error {
	if size > math.MaxInt64 {
		return ErrSizeTooLarge
	}

	if err := binary.Write(w, binary.BigEndian, NegotiationExportReply{
		Size:              size,
		TransmissionFlags: transmissionFlags(readOnly) | NEGO_FLAG_SEND_TRIM,
	}); err != nil {
		return errors.Wrapf(err, "sending export reply")
	}

	return nil
}

// NegotiateClient performs the client side of the newstyle handshake,
// selecting the export called name.
func NegotiateClient(rw io.ReadWriter, name string) (uint64, uint16, error) {
	var hdr NegotiationNewstyleHeader

	if err := binary.Read(rw, binary.BigEndian, &hdr); err != nil {
		return 0, 0, errors.Wrapf(err, "receiving newstyle header")
	}

	if hdr.OldstyleMagic != NEGOTIATION_MAGIC_OLDSTYLE {
		return 0, 0, ErrInvalidPassword
	}

	switch hdr.OptionMagic {
	case NEGOTIATION_MAGIC_OPTION:
		// ok
	case NEGOTIATION_MAGIC_CLISERV:
		return 0, 0, ErrUnexpectedOldstyle
	default:
		return 0, 0, ErrInvalidMagic
	}

	// Client flags, the option header and the name go out as one PDU.
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.BigEndian, struct {
		ClientFlags uint32
		NegotiationOptionHeader
	}{
		NegotiationOptionHeader: NegotiationOptionHeader{
			OptionMagic: NEGOTIATION_MAGIC_OPTION,
			ID:          NEGOTIATION_ID_OPTION_EXPORT_NAME,
			Length:      uint32(len(name)),
		},
	}); err != nil {
		return 0, 0, err
	}

	buf.WriteString(name)

	if _, err := rw.Write(buf.Bytes()); err != nil {
		return 0, 0, errors.Wrapf(err, "sending export name option")
	}

	var reply NegotiationExportReply
	if err := binary.Read(rw, binary.BigEndian, &reply); err != nil {
		return 0, 0, errors.Wrapf(err, "receiving export reply")
	}

	if reply.Size > math.MaxInt64 {
		return 0, 0, ErrSizeTooLarge
	}

	return reply.Size, reply.TransmissionFlags, nil
}
