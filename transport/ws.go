package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/emiago/dechat/chat"
)

// WSConn carries the frame protocol in binary WebSocket messages, one frame
// per message. The WebSocket layer does the length framing, so a frame is
// decoded from the whole message instead of a streamed header.
type WSConn struct {
	net.Conn

	// rw is the read side; after a client dial it may carry buffered
	// handshake leftovers.
	rw          io.ReadWriter
	clientSide  bool
	readTimeout time.Duration
}

// UpgradeWS answers the WebSocket handshake on an accepted connection.
func UpgradeWS(nc net.Conn) (*WSConn, error) {
	if _, err := ws.Upgrade(nc); err != nil {
		return nil, fmt.Errorf("ws upgrade err=%w", err)
	}
	return &WSConn{
		Conn:        nc,
		rw:          nc,
		readTimeout: DefaultReadTimeout,
	}, nil
}

// DialWS connects to a dechat endpoint served over WebSocket.
func DialWS(addr string) (*WSConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultDialTimeout)
	defer cancel()

	nc, br, _, err := ws.Dial(ctx, "ws://"+addr)
	if err != nil {
		return nil, fmt.Errorf("ws dial %s err=%w", addr, err)
	}

	c := &WSConn{
		Conn:        nc,
		rw:          nc,
		clientSide:  true,
		readTimeout: DefaultReadTimeout,
	}
	if br != nil {
		c.rw = struct {
			io.Reader
			io.Writer
		}{br, nc}
	}
	return c, nil
}

func (c *WSConn) String() string {
	return "ws:" + c.RemoteAddr().String()
}

func (c *WSConn) SetReadTimeout(d time.Duration) {
	c.readTimeout = d
}

func (c *WSConn) ReadMsg() (chat.Message, error) {
	if err := c.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return chat.Message{}, err
	}

	var (
		data []byte
		err  error
	)
	if c.clientSide {
		data, err = wsutil.ReadServerBinary(c.rw)
	} else {
		data, err = wsutil.ReadClientBinary(c.rw)
	}
	if err != nil {
		return chat.Message{}, err
	}

	return chat.Decode(data)
}

func (c *WSConn) WriteMsg(msg chat.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("conn %s encode err=%w", c, err)
	}

	if c.clientSide {
		err = wsutil.WriteClientBinary(c.rw, data)
	} else {
		err = wsutil.WriteServerBinary(c.rw, data)
	}
	if err != nil {
		if isPeerGone(err) {
			return nil
		}
		return fmt.Errorf("conn %s write err=%w", c, err)
	}
	return nil
}
