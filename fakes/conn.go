// Package fakes provides in-memory test doubles for the transport layer.
package fakes

import (
	"net"
	"sync"
	"time"

	"github.com/emiago/dechat/chat"
	"github.com/emiago/dechat/transport"
)

// timeoutError mimics a read deadline expiring, so a drained fake behaves
// like a quiet socket under transport.IsTimeout.
type timeoutError struct{}

func (timeoutError) Error() string   { return "fake: read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

// Conn is an in-memory transport.Connection: reads pop from a queued inbound
// list, writes are recorded for inspection.
type Conn struct {
	LAddr net.TCPAddr
	RAddr net.TCPAddr

	mu      sync.Mutex
	inbound []chat.Message
	written []chat.Message
	closed  bool
}

var _ transport.Connection = (*Conn)(nil)

// NewConn returns an empty fake. port distinguishes peers in a test.
func NewConn(port int) *Conn {
	return &Conn{
		LAddr: net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		RAddr: net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port + 10000},
	}
}

// Queue appends a frame the next ReadMsg calls will return in order.
func (c *Conn) Queue(msgs ...chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound = append(c.inbound, msgs...)
}

// Written returns a copy of every frame written so far.
func (c *Conn) Written() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Message, len(c.written))
	copy(out, c.written)
	return out
}

// LastWritten returns the most recent written frame.
func (c *Conn) LastWritten() (chat.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.written) == 0 {
		return chat.Message{}, false
	}
	return c.written[len(c.written)-1], true
}

// Reset clears the written record.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = nil
}

// IsClosed reports whether Close ran.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) ReadMsg() (chat.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbound) == 0 {
		return chat.Message{}, timeoutError{}
	}
	msg := c.inbound[0]
	c.inbound = c.inbound[1:]
	return msg, nil
}

func (c *Conn) WriteMsg(msg chat.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, msg)
	return nil
}

func (c *Conn) SetReadTimeout(time.Duration) {}

func (c *Conn) LocalAddr() net.Addr  { return &c.LAddr }
func (c *Conn) RemoteAddr() net.Addr { return &c.RAddr }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
