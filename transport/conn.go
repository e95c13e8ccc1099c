package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/emiago/dechat/chat"
)

// Connection sends and receives exactly one frame per call.
type Connection interface {
	// ReadMsg blocks up to the read timeout for one frame. Deadline expiry
	// is reported as a timeout error (check IsTimeout); any other error is
	// fatal for the connection.
	ReadMsg() (chat.Message, error)
	// WriteMsg encodes and sends one frame. Write failures against a dead
	// peer are swallowed.
	WriteMsg(msg chat.Message) error
	SetReadTimeout(d time.Duration)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// Conn is the TCP frame connection.
type Conn struct {
	net.Conn
	readTimeout time.Duration
}

// NewConn wraps an established stream connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{Conn: c, readTimeout: DefaultReadTimeout}
}

// Listen binds a TCP listener on addr.
func Listen(addr string) (*net.TCPListener, error) {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("fail to resolve address. err=%w", err)
	}

	l, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp error. err=%w", err)
	}
	return l, nil
}

// Dial connects to a dechat endpoint on addr.
func Dial(addr string) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, DefaultDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s err=%w", addr, err)
	}
	return NewConn(nc), nil
}

func (c *Conn) String() string {
	return "tcp:" + c.RemoteAddr().String()
}

func (c *Conn) SetReadTimeout(d time.Duration) {
	c.readTimeout = d
}

// ReadMsg reads the 38 byte fixed prefix, the type/length word, then exactly
// the encoded body length.
func (c *Conn) ReadMsg() (chat.Message, error) {
	if err := c.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return chat.Message{}, err
	}

	buf := make([]byte, chat.HeaderSize)
	if _, err := io.ReadFull(c.Conn, buf[:chat.HeaderSize-2]); err != nil {
		return chat.Message{}, err
	}
	if _, err := io.ReadFull(c.Conn, buf[chat.HeaderSize-2:]); err != nil {
		return chat.Message{}, err
	}

	_, length := chat.DecodeTypeLength(uint16(buf[38]) | uint16(buf[39])<<8)
	if length > 0 {
		body := make([]byte, length)
		if _, err := io.ReadFull(c.Conn, body); err != nil {
			return chat.Message{}, err
		}
		buf = append(buf, body...)
	}

	return chat.Decode(buf)
}

func (c *Conn) WriteMsg(msg chat.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("conn %s encode err=%w", c, err)
	}

	if _, err := c.Write(data); err != nil {
		if isPeerGone(err) {
			return nil
		}
		return fmt.Errorf("conn %s write err=%w", c, err)
	}
	return nil
}

// isPeerGone matches write errors against an already dead peer.
func isPeerGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}
