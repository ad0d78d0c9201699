package nbd

// See https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md and https://github.com/abligh/gonbdserver/

const (
	// "NBDMAGIC", the password both handshake styles open with.
	NEGOTIATION_MAGIC_OLDSTYLE = uint64(0x4e42444d41474943)
	NEGOTIATION_MAGIC_CLISERV  = uint64(0x00420281861253)
	NEGOTIATION_MAGIC_OPTION   = uint64(0x49484156454F5054)
	NEGOTIATION_MAGIC_REPLY    = uint64(0x3e889045565a9)

	NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE = uint16(1 << 0)

	NEGOTIATION_ID_OPTION_EXPORT_NAME = uint32(1)
	NEGOTIATION_ID_OPTION_ABORT       = uint32(2)
	NEGOTIATION_ID_OPTION_LIST        = uint32(3)

	NEGOTIATION_TYPE_REPLY_ACK             = uint32(1)
	NEGOTIATION_TYPE_REPLY_SERVER          = uint32(2)
	NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED = uint32(1 | uint32(1<<31))

	NEGOTIATION_REPLY_FLAGS_HAS_FLAGS = uint16((1 << 0))

	NEGO_FLAG_READONLY   = uint16(1 << 1)
	NEGO_FLAG_SEND_FLUSH = uint16(1 << 2)
	NEGO_FLAG_SEND_FUA   = uint16(1 << 3)
	NEGO_FLAG_ROTATIONAL = uint16(1 << 4)
	NEGO_FLAG_SEND_TRIM  = uint16(1 << 5)

	MaxExportNameLength = 256
)

// NegotiationOldstyleHeader is the single PDU of the oldstyle handshake.
type NegotiationOldstyleHeader struct {
	Password uint64
	Magic    uint64
	Size     uint64
	Flags    uint32
	Padding  [124]byte
}

type NegotiationNewstyleHeader struct {
	OldstyleMagic  uint64
	OptionMagic    uint64
	HandshakeFlags uint16
}

type NegotiationOptionHeader struct {
	OptionMagic uint64
	ID          uint32
	Length      uint32
}

type NegotiationReplyHeader struct {
	ReplyMagic uint64
	ID         uint32
	Type       uint32
	Length     uint32
}

// NegotiationExportReply ends a newstyle handshake after NBD_OPT_EXPORT_NAME.
type NegotiationExportReply struct {
	Size              uint64
	TransmissionFlags uint16
	Padding           [124]byte
}
