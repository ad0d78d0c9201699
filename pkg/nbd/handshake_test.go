package nbd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOldstyleNegotiation(t *testing.T) {
	t.Run("round trips size and flags", func(t *testing.T) {
		r := require.New(t)

		var buf bytes.Buffer

		r.NoError(NegotiateOldstyle(&buf, 1<<30, false))
		r.Equal(152, buf.Len())

		size, flags, err := ReadOldstyle(&buf)
		r.NoError(err)

		r.Equal(uint64(1<<30), size)
		r.Equal(uint32(NEGOTIATION_REPLY_FLAGS_HAS_FLAGS|NEGO_FLAG_SEND_FLUSH), flags)
	})

	t.Run("advertises read only", func(t *testing.T) {
		r := require.New(t)

		var buf bytes.Buffer

		r.NoError(NegotiateOldstyle(&buf, 4096, true))

		_, flags, err := ReadOldstyle(&buf)
		r.NoError(err)

		r.NotZero(flags & uint32(NEGO_FLAG_READONLY))
	})

	t.Run("rejects a bad password", func(t *testing.T) {
		r := require.New(t)

		var buf bytes.Buffer
		r.NoError(binary.Write(&buf, binary.BigEndian, NegotiationOldstyleHeader{
			Password: 1,
			Magic:    NEGOTIATION_MAGIC_CLISERV,
		}))

		_, _, err := ReadOldstyle(&buf)
		r.ErrorIs(err, ErrInvalidPassword)
	})

	t.Run("rejects a bad magic", func(t *testing.T) {
		r := require.New(t)

		var buf bytes.Buffer
		r.NoError(binary.Write(&buf, binary.BigEndian, NegotiationOldstyleHeader{
			Password: NEGOTIATION_MAGIC_OLDSTYLE,
			Magic:    2,
		}))

		_, _, err := ReadOldstyle(&buf)
		r.ErrorIs(err, ErrInvalidMagic)
	})

	t.Run("detects a newstyle server from the header alone", func(t *testing.T) {
		r := require.New(t)

		var buf bytes.Buffer
		r.NoError(NegotiateNewstyleHeader(&buf))

		_, _, err := ReadOldstyle(&buf)
		r.ErrorIs(err, ErrUnexpectedNewstyle)
	})

	t.Run("refuses sizes beyond the maximum offset", func(t *testing.T) {
		r := require.New(t)

		var buf bytes.Buffer

		r.ErrorIs(NegotiateOldstyle(&buf, math.MaxInt64+1, false), ErrSizeTooLarge)

		r.NoError(binary.Write(&buf, binary.BigEndian, NegotiationOldstyleHeader{
			Password: NEGOTIATION_MAGIC_OLDSTYLE,
			Magic:    NEGOTIATION_MAGIC_CLISERV,
			Size:     math.MaxInt64 + 1,
		}))

		_, _, err := ReadOldstyle(&buf)
		r.ErrorIs(err, ErrSizeTooLarge)
	})
}

func TestNewstyleNegotiation(t *testing.T) {
	serve := func(conn net.Conn, size uint64) (string, error) {
		defer conn.Close()

		if err := NegotiateNewstyleHeader(conn); err != nil {
			return "", err
		}

		name, err := ReadExportName(conn)
		if err != nil {
			return "", err
		}

		return name, NegotiateNewstyleExport(conn, size, false)
	}

	for _, l := range []int{0, 1, MaxExportNameLength} {
		name := strings.Repeat("x", l)

		t.Run(fmt.Sprintf("export name of length %d", l), func(t *testing.T) {
			r := require.New(t)

			client, server := net.Pipe()
			defer client.Close()

			type result struct {
				name string
				err  error
			}

			done := make(chan result, 1)

			go func() {
				n, err := serve(server, 8192)
				done <- result{n, err}
			}()

			size, flags, err := NegotiateClient(client, name)
			r.NoError(err)

			r.Equal(uint64(8192), size)
			r.NotZero(flags & NEGO_FLAG_SEND_TRIM)
			r.NotZero(flags & NEGO_FLAG_SEND_FLUSH)
			r.Zero(flags & NEGO_FLAG_READONLY)

			res := <-done
			r.NoError(res.err)
			r.Equal(name, res.name)
		})
	}

	t.Run("rejects an overlong name before replying", func(t *testing.T) {
		r := require.New(t)

		var in bytes.Buffer

		r.NoError(binary.Write(&in, binary.BigEndian, uint32(0)))
		r.NoError(binary.Write(&in, binary.BigEndian, NegotiationOptionHeader{
			OptionMagic: NEGOTIATION_MAGIC_OPTION,
			ID:          NEGOTIATION_ID_OPTION_EXPORT_NAME,
			Length:      MaxExportNameLength + 1,
		}))
		in.WriteString(strings.Repeat("y", MaxExportNameLength+1))

		_, err := ReadExportName(&in)
		r.ErrorIs(err, ErrExportNameTooLong)
		r.True(IsProtocolViolation(err))

		// The name itself was never consumed.
		r.Equal(MaxExportNameLength+1, in.Len())
	})

	t.Run("rejects options other than export name", func(t *testing.T) {
		r := require.New(t)

		var in bytes.Buffer

		r.NoError(binary.Write(&in, binary.BigEndian, uint32(0)))
		r.NoError(binary.Write(&in, binary.BigEndian, NegotiationOptionHeader{
			OptionMagic: NEGOTIATION_MAGIC_OPTION,
			ID:          NEGOTIATION_ID_OPTION_LIST,
		}))

		_, err := ReadExportName(&in)
		r.ErrorIs(err, ErrUnsupportedOption)
	})

	t.Run("client detects an oldstyle server", func(t *testing.T) {
		r := require.New(t)

		var buf bytes.Buffer
		r.NoError(NegotiateOldstyle(&buf, 4096, false))

		_, _, err := NegotiateClient(&buf, "disk")
		r.ErrorIs(err, ErrUnexpectedOldstyle)
	})
}
