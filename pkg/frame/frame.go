// Package frame implements the wire framing shared by every tracker and
// storage connection (spec §4.1, §6): a fixed 10-byte header — an 8-byte
// big-endian body length, a 1-byte command, a 1-byte status — followed by
// exactly that many body bytes.
package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
)

// HeaderLen is the size in bytes of every frame header.
const HeaderLen = 10

// DefaultMaxPkgSize bounds the body length accepted from a peer. A peer
// that declares a length outside [0, MaxPkgSize] is dropped (spec §4.1).
const DefaultMaxPkgSize = 256 * 1024 * 1024

// Header is the decoded form of a frame's first 10 bytes.
type Header struct {
	Length int64
	Cmd    byte
	Status byte
}

// Encode writes the header in wire order.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.Length))
	buf[8] = h.Cmd
	buf[9] = h.Status
	return buf
}

// DecodeHeader parses a 10-byte buffer into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderLen {
		return Header{}, fmt.Errorf("short header (%d bytes): %w", len(buf), ferr.Protocol)
	}
	return Header{
		Length: int64(binary.BigEndian.Uint64(buf[0:8])),
		Cmd:    buf[8],
		Status: buf[9],
	}, nil
}

// Conn wraps a net.Conn with framing, a read buffer, and a per-operation
// timeout. It is the unit the connection pool (pkg/connpool) hands out.
type Conn struct {
	net.Conn
	r             *bufio.Reader
	NetworkTimeout time.Duration
	MaxPkgSize     int64
}

// NewConn wraps conn with framing helpers. networkTimeout bounds every
// subsequent Send/Recv call; maxPkgSize bounds accepted body lengths (0
// means DefaultMaxPkgSize).
func NewConn(conn net.Conn, networkTimeout time.Duration, maxPkgSize int64) *Conn {
	if maxPkgSize <= 0 {
		maxPkgSize = DefaultMaxPkgSize
	}
	return &Conn{
		Conn:           conn,
		r:              bufio.NewReader(conn),
		NetworkTimeout: networkTimeout,
		MaxPkgSize:     maxPkgSize,
	}
}

// SendRequest writes a request frame: header + body.
func (c *Conn) SendRequest(cmd byte, body []byte) error {
	return c.send(cmd, 0, body)
}

// SendResponse writes a response frame: header (with status) + body.
func (c *Conn) SendResponse(status byte, body []byte) error {
	return c.send(0, status, body)
}

func (c *Conn) send(cmd, status byte, body []byte) error {
	if c.NetworkTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.NetworkTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", ferr.Transport)
		}
	}
	h := Header{Length: int64(len(body)), Cmd: cmd, Status: status}
	if _, err := c.Conn.Write(h.Encode()); err != nil {
		return translateNetErr(err)
	}
	if len(body) > 0 {
		if _, err := c.Conn.Write(body); err != nil {
			return translateNetErr(err)
		}
	}
	return nil
}

// RecvResponse reads one response frame and returns its status and body.
// maxBytes, if nonzero, overrides c.MaxPkgSize for this call.
func (c *Conn) RecvResponse(maxBytes int64) (status byte, body []byte, err error) {
	h, err := c.readHeader()
	if err != nil {
		return 0, nil, err
	}
	limit := c.MaxPkgSize
	if maxBytes > 0 {
		limit = maxBytes
	}
	if h.Length < 0 || h.Length > limit {
		c.Close()
		return 0, nil, fmt.Errorf("body length %d out of range: %w", h.Length, ferr.Protocol)
	}
	body, err = c.readBody(h.Length)
	if err != nil {
		return 0, nil, err
	}
	return h.Status, body, nil
}

// RecvRequest reads one request frame and returns its command and body.
func (c *Conn) RecvRequest() (cmd byte, body []byte, err error) {
	h, err := c.readHeader()
	if err != nil {
		return 0, nil, err
	}
	if h.Length < 0 || h.Length > c.MaxPkgSize {
		c.Close()
		return 0, nil, fmt.Errorf("body length %d out of range: %w", h.Length, ferr.Protocol)
	}
	body, err = c.readBody(h.Length)
	if err != nil {
		return 0, nil, err
	}
	return h.Cmd, body, nil
}

func (c *Conn) readHeader() (Header, error) {
	if c.NetworkTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.NetworkTimeout)); err != nil {
			return Header{}, fmt.Errorf("set read deadline: %w", ferr.Transport)
		}
	}
	buf := make([]byte, HeaderLen)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return Header{}, translateNetErr(err)
	}
	return DecodeHeader(buf)
}

func (c *Conn) readBody(length int64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if c.NetworkTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.NetworkTimeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", ferr.Transport)
		}
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, translateNetErr(err)
	}
	return buf, nil
}

func translateNetErr(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%v: %w", err, ferr.Timeout)
	}
	return fmt.Errorf("%v: %w", err, ferr.Transport)
}
