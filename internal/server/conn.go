package server

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linhpt111/chatc/internal/protocol"
)

// Conn wraps one accepted connection. Writes are serialised by a mutex so a
// header and its payload can never interleave with another frame.
type Conn struct {
	id           string
	nc           net.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func newConn(nc net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		nc:           nc,
		writeTimeout: writeTimeout,
	}
}

// WriteFrame stamps and emits one frame on the connection.
func (c *Conn) WriteFrame(h protocol.Header, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return protocol.WriteFrame(c.nc, h, payload)
}

// Close shuts the underlying socket.
func (c *Conn) Close() error { return c.nc.Close() }

// RemoteAddr reports the peer address for logging.
func (c *Conn) RemoteAddr() string {
	if addr := c.nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
