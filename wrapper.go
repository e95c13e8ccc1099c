package dechat

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/emiago/dechat/chat"
	"github.com/emiago/dechat/transport"
)

const wrapperHistoryLimit = 50

// ConnWrapper holds one client to server connection together with its
// listener and sender goroutines, the outgoing input queue and the received
// message history replayed when its display is re-activated.
//
// Close joins both goroutines, so neither of them may call it; they hand the
// wrapper to the client's reap queue instead and the input loop closes it.
type ConnWrapper struct {
	ID   string
	conn transport.Connection
	log  zerolog.Logger

	inputQ chan string
	wg     sync.WaitGroup

	listening atomic.Bool

	mu               sync.Mutex
	remoteName       string
	confirmedChannel string
	pendingChannel   string
	lastWhisperer    string
	history          []chat.Message
	historyLimit     int
	active           bool
	inChannel        bool
	pingingForInfo   bool
	closed           bool
}

// NewConnWrapper wraps an established connection. Start launches the
// goroutines.
func NewConnWrapper(conn transport.Connection, logger zerolog.Logger) *ConnWrapper {
	id := uuid.NewString()
	return &ConnWrapper{
		ID:           id,
		conn:         conn,
		inputQ:       make(chan string, 64),
		historyLimit: wrapperHistoryLimit,
		log:          logger.With().Str("wrapper", id[:8]).Logger(),
	}
}

// Name is the canonical server address, learned from the /info ping.
func (w *ConnWrapper) Name() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remoteName
}

// Channel returns the confirmed channel name, "" when not in one.
func (w *ConnWrapper) Channel() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.confirmedChannel
}

// IsClosed reports whether Close ran.
func (w *ConnWrapper) IsClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Enqueue queues one input line for the sender goroutine. Join and create
// lines remember the channel name so the first broadcast back can confirm
// where we are.
func (w *ConnWrapper) Enqueue(line string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	fields := chat.Fields(line)
	if len(fields) >= 2 {
		switch strings.ToLower(fields[0]) {
		case "/join", "/create":
			w.pendingChannel = fields[1]
		}
	}

	// The queue is buffered, so holding the lock over the send cannot
	// block against Close.
	select {
	case w.inputQ <- line:
	default:
		w.log.Warn().Msg("Input queue full, dropping line")
	}
	w.mu.Unlock()
}

// Store pushes a received message onto the history ring, newest first.
func (w *ConnWrapper) Store(msg chat.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append([]chat.Message{msg}, w.history...)
	if len(w.history) > w.historyLimit {
		w.history = w.history[:w.historyLimit]
	}
}

// History returns a copy of the stored messages, newest first.
func (w *ConnWrapper) History() []chat.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]chat.Message, len(w.history))
	copy(out, w.history)
	return out
}

// Start launches the listener and sender goroutines against c.
func (w *ConnWrapper) Start(c *Client) {
	w.listening.Store(true)
	w.wg.Add(2)
	go w.listener(c)
	go w.sender(c)
}

// listener polls the connection and feeds received frames to the client.
// It exits on its own when listening is cleared, and schedules the wrapper
// for closing when the connection dies under it.
func (w *ConnWrapper) listener(c *Client) {
	defer w.wg.Done()

	for w.listening.Load() {
		msg, err := w.conn.ReadMsg()
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			w.log.Debug().Err(err).Msg("Connection lost")
			c.scheduleClose(w)
			return
		}
		c.processReceived(w, msg)
	}
}

// sender ships queued lines as frames. An empty line is the disconnect
// signal: send the close sentinel and hand the wrapper over for closing.
func (w *ConnWrapper) sender(c *Client) {
	defer w.wg.Done()

	for line := range w.inputQ {
		if line == "" {
			if err := w.conn.WriteMsg(chat.CloseMessage); err != nil {
				w.log.Debug().Err(err).Msg("Close frame write failed")
			}
			c.scheduleClose(w)
			return
		}

		typ := chat.TypeServer
		w.mu.Lock()
		if w.inChannel {
			typ = chat.TypeChannel
		}
		w.mu.Unlock()

		msg := chat.Message{
			Nickname:  c.Nickname(),
			Timestamp: now(),
			Type:      typ,
			Body:      line,
		}
		if err := w.conn.WriteMsg(msg); err != nil {
			w.log.Debug().Err(err).Msg("Frame write failed")
		}
	}
}

// Close stops both goroutines, joins them and closes the socket. Must not
// be called from the listener or sender themselves.
func (w *ConnWrapper) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.active = false
	w.mu.Unlock()

	w.listening.Store(false)
	close(w.inputQ)
	w.wg.Wait()
	w.conn.Close()
}
