// Package network wraps the raw dial/listen/byte-stream transport the
// Protocol engine (package protocol) frames messages over. It never
// interprets frame contents: that is the tag/separator concern of
// spec.md §4.2, layered on top.
package network

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// readChunkSize is the buffer size passed to a single net.Conn.Read call.
// Deliberately not a multiple of any frame field width: the Protocol
// engine's reassembly must not assume a particular chunk boundary except
// the documented 1382-byte continuation quirk.
const readChunkSize = 4096

// readTimeout bounds how long a read waits before returning a timeout
// error, so a stalled peer cannot block the single-threaded core
// indefinitely (spec.md §5).
const readTimeout = 30 * time.Second

// Conn is a connected remote peer's raw byte stream.
type Conn struct {
	id   string
	addr string

	conn net.Conn

	mu     sync.Mutex
	closed bool
}

// NewConn wraps an already-established connection.
func NewConn(id, addr string, c net.Conn) *Conn {
	return &Conn{id: id, addr: addr, conn: c}
}

// Dial connects to addr over TCP, or TLS if tlsCfg is non-nil.
func Dial(id, addr string, tlsCfg *tls.Config) (*Conn, error) {
	var c net.Conn
	var err error
	if tlsCfg != nil {
		c, err = tls.Dial("tcp", addr, tlsCfg)
	} else {
		c, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(id, addr, c), nil
}

// ID returns the peer identifier this connection was registered under.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the dialed or accepted remote address.
func (c *Conn) RemoteAddr() string { return c.addr }

// Write sends p as-is; the caller is responsible for framing.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("conn %s closed", c.id)
	}
	return c.conn.Write(p)
}

// ReadChunk performs a single read and returns exactly the bytes the
// transport delivered in that call — it never blocks to fill a buffer.
// This is what lets the Protocol engine observe the 1382-byte
// continuation-chunk behavior spec.md §4.2 documents.
func (c *Conn) ReadChunk() ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	buf := make([]byte, readChunkSize)
	n, err := c.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

// Close terminates the connection. Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.conn.Close()
	}
}
