package nbd

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Client issues synchronous requests over a negotiated connection. One
// request is outstanding at a time so replies never need reordering.
type Client struct {
	mu     sync.Mutex
	conn   io.ReadWriteCloser
	size   int64
	flags  uint16
	handle uint64
}

// NewClient performs the newstyle handshake for export name on conn.
func NewClient(conn io.ReadWriteCloser, name string) (*Client, error) {
	size, flags, err := NegotiateClient(conn, name)
	if err != nil {
		return nil, err
	}

	return &Client{conn: conn, size: int64(size), flags: flags}, nil
}

// NewOldstyleClient reads the oldstyle handshake from conn.
func NewOldstyleClient(conn io.ReadWriteCloser) (*Client, error) {
	size, flags, err := ReadOldstyle(conn)
	if err != nil {
		return nil, err
	}

	return &Client{conn: conn, size: int64(size), flags: uint16(flags)}, nil
}

func (c *Client) Size() int64 {
	return c.size
}

func (c *Client) ReadOnly() bool {
	return c.flags&NEGO_FLAG_READONLY != 0
}

func (c *Client) nextHandle() uint64 {
	c.handle++
	return c.handle
}

func (c *Client) ReadAt(b []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.nextHandle()

	if err := SendRequestHeader(c.conn, TRANSMISSION_TYPE_REQUEST_READ, uint64(off), uint64(len(b)), h); err != nil {
		return 0, err
	}

	if err := RecvReadReply(c.conn, h, b); err != nil {
		return 0, err
	}

	return len(b), nil
}

func (c *Client) WriteAt(b []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.nextHandle()

	if err := SendRequestHeader(c.conn, TRANSMISSION_TYPE_REQUEST_WRITE, uint64(off), uint64(len(b)), h); err != nil {
		return 0, err
	}

	if len(b) > 0 {
		if _, err := c.conn.Write(b); err != nil {
			return 0, errors.Wrapf(err, "sending write payload")
		}
	}

	if err := RecvReplyHeader(c.conn, h); err != nil {
		return 0, err
	}

	return len(b), nil
}

func (c *Client) simple(typ uint16, off, length uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.nextHandle()

	if err := SendRequestHeader(c.conn, typ, off, length, h); err != nil {
		return err
	}

	return RecvReplyHeader(c.conn, h)
}

func (c *Client) Flush() error {
	return c.simple(TRANSMISSION_TYPE_REQUEST_FLUSH, 0, 0)
}

func (c *Client) Trim(off, length int64) error {
	return c.simple(TRANSMISSION_TYPE_REQUEST_TRIM, uint64(off), uint64(length))
}

// Cache asks the server to make the given range locally present.
func (c *Client) Cache(off, length int64) error {
	return c.simple(TRANSMISSION_TYPE_REQUEST_CACHE, uint64(off), uint64(length))
}

// Disconnect sends DISC and closes the connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := SendDisconnect(c.conn)

	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}

	return err
}
