package nbd

const (
	TRANSMISSION_MAGIC_REQUEST = uint32(0x25609513)
	TRANSMISSION_MAGIC_REPLY   = uint32(0x67446698)

	TRANSMISSION_TYPE_REQUEST_READ  = uint16(0)
	TRANSMISSION_TYPE_REQUEST_WRITE = uint16(1)
	TRANSMISSION_TYPE_REQUEST_DISC  = uint16(2)
	TRANSMISSION_TYPE_REQUEST_FLUSH = uint16(3)
	TRANSMISSION_TYPE_REQUEST_TRIM  = uint16(4)
	TRANSMISSION_TYPE_REQUEST_CACHE = uint16(5)

	// Reserved for compressed reads, never implemented.
	TRANSMISSION_TYPE_REQUEST_READ_COMPRESS     = uint16(6)
	TRANSMISSION_TYPE_REQUEST_READ_COMPRESS_LZO = uint16(7)

	TRANSMISSION_ERROR_EPERM  = uint32(1)
	TRANSMISSION_ERROR_EIO    = uint32(5)
	TRANSMISSION_ERROR_EINVAL = uint32(22)
)

// The older protocol revision carries a single 32bit type field. The
// flags+type split below is byte-for-byte identical when the flags are zero.
type TransmissionRequestHeader struct {
	RequestMagic uint32
	CommandFlags uint16
	Type         uint16
	Handle       uint64
	Offset       uint64
	Length       uint32
}

type TransmissionReplyHeader struct {
	ReplyMagic uint32
	Error      uint32
	Handle     uint64
}

var commandNames = []string{
	"read",
	"write",
	"disconnect",
	"flush",
	"trim",
	"cache",
	"read-compress",
	"read-compress-lzo",
}

// CommandName returns a printable name for a request type.
func CommandName(typ uint16) string {
	if int(typ) < len(commandNames) {
		return commandNames[typ]
	}

	return "unknown"
}
