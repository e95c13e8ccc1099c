// Package transport moves dechat frames over stream connections. It keeps
// the engine non blocking: reads are deadline bounded so a quiet socket is
// a normal tick, and writes are best effort because a broken peer is reaped
// by its read path.
package transport

import (
	"errors"
	"net"
	"time"
)

const (
	NetworkTCP = "tcp"
	NetworkWS  = "ws"
)

var ErrNetworkNotSupported = errors.New("protocol not supported")

const (
	// DefaultDialTimeout bounds connection establishment.
	DefaultDialTimeout = 1 * time.Second

	// DefaultReadTimeout is the per read deadline that turns a blocking
	// socket into a polling one.
	DefaultReadTimeout = 100 * time.Millisecond
)

// IsTimeout reports whether err is a read deadline expiry, the "no data this
// tick" signal.
func IsTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
