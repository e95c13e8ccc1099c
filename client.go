package dechat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emiago/dechat/chat"
	"github.com/emiago/dechat/transport"
)

const (
	DefaultNickname = "anon"

	// clientReadTimeout is the wrapper listener poll deadline.
	clientReadTimeout = 250 * time.Millisecond
)

// Client is the multi connection chat client: one input loop dispatching by
// context (disconnected, limbo, active) over a set of connection wrappers,
// of which at most one drives the display.
type Client struct {
	uiEnabled bool
	network   string
	in        io.Reader
	out       io.Writer
	log       zerolog.Logger

	nickMu   sync.Mutex
	nickname string

	mu       sync.Mutex
	wrappers map[int]*ConnWrapper
	current  *ConnWrapper

	toClose  chan *ConnWrapper
	quitting atomic.Bool
}

type ClientOption func(c *Client) error

// WithClientUI enables multi connection displays and terminal line redraw.
func WithClientUI() ClientOption {
	return func(c *Client) error {
		c.uiEnabled = true
		return nil
	}
}

// WithClientNickname sets the default nickname used on outgoing frames.
func WithClientNickname(nick string) ClientOption {
	return func(c *Client) error {
		if len(nick) > chat.MaxNickLength {
			return fmt.Errorf("maximum nickname length is %d", chat.MaxNickLength)
		}
		c.nickname = nick
		return nil
	}
}

// WithClientNetwork selects the transport: tcp (default) or ws.
func WithClientNetwork(network string) ClientOption {
	return func(c *Client) error {
		switch network {
		case transport.NetworkTCP, transport.NetworkWS:
			c.network = network
			return nil
		}
		return transport.ErrNetworkNotSupported
	}
}

// WithClientLogger allows customizing client logger.
func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) error {
		c.log = logger
		return nil
	}
}

// WithClientInput redirects the input loop; tests feed it a pipe.
func WithClientInput(r io.Reader) ClientOption {
	return func(c *Client) error {
		c.in = r
		return nil
	}
}

// WithClientOutput redirects display output.
func WithClientOutput(w io.Writer) ClientOption {
	return func(c *Client) error {
		c.out = w
		return nil
	}
}

// NewClient creates a client handle. Run starts the input loop.
func NewClient(options ...ClientOption) (*Client, error) {
	c := &Client{
		network:  transport.NetworkTCP,
		nickname: DefaultNickname,
		in:       os.Stdin,
		out:      os.Stdout,
		wrappers: make(map[int]*ConnWrapper),
		toClose:  make(chan *ConnWrapper, 16),
		log:      log.Logger.With().Str("caller", "Client").Logger(),
	}

	for _, o := range options {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Nickname returns the current default nickname.
func (c *Client) Nickname() string {
	c.nickMu.Lock()
	defer c.nickMu.Unlock()
	return c.nickname
}

func (c *Client) setNickname(nick string) {
	c.nickMu.Lock()
	c.nickname = nick
	c.nickMu.Unlock()
}

// Stop ends the input loop and closes every wrapper.
func (c *Client) Stop() {
	c.quitting.Store(true)
}

// Run reads input lines and dispatches them until EOF or Stop.
func (c *Client) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)

	for !c.quitting.Load() {
		if err := ctx.Err(); err != nil {
			c.closeAll()
			return err
		}

		if !scanner.Scan() {
			break
		}
		c.Dispatch(scanner.Text())
		c.reapClosed()
	}

	c.closeAll()
	return scanner.Err()
}

// Dispatch routes one input line by the current context.
func (c *Client) Dispatch(line string) {
	c.reapClosed()

	c.mu.Lock()
	hasWrappers := len(c.wrappers) > 0
	current := c.current
	c.mu.Unlock()

	switch {
	case !hasWrappers:
		c.dispatchCommand(line, c.baseTable())
	case current == nil:
		c.dispatchCommand(line, limboCommands)
	default:
		c.dispatchActive(line, current)
	}
}

func (c *Client) dispatchCommand(line string, table map[string]clientCommand) {
	fields := chat.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return
	}

	cmd, ok := table[strings.ToLower(fields[0][1:])]
	if !ok {
		c.Printf("Command %q not recognized", fields[0][1:])
		return
	}
	cmd(c, line)
}

// dispatchActive handles input while a display is active: a few commands
// run locally, everything else ships to the server as-is.
func (c *Client) dispatchActive(line string, w *ConnWrapper) {
	fields := chat.Fields(line)
	if len(fields) > 0 && strings.HasPrefix(fields[0], "/") {
		if cmd, ok := c.senderTable()[strings.ToLower(fields[0][1:])]; ok {
			cmd(c, line)
			return
		}
	}

	if strings.TrimSpace(line) == "" {
		return
	}
	w.Enqueue(line)
}

// Printf writes one display line. In UI mode the current terminal line is
// cleared first so output does not interleave with the prompt.
func (c *Client) Printf(format string, args ...any) {
	if c.uiEnabled {
		fmt.Fprint(c.out, "\r\x1b[2K")
	}
	fmt.Fprintf(c.out, format+"\n", args...)
}

// connect dials a server and activates a wrapper for it. displayNum < 0
// picks the lowest free number.
func (c *Client) connect(addr string, displayNum int) {
	c.Printf("Connecting to server...")

	var (
		conn transport.Connection
		err  error
	)
	if c.network == transport.NetworkWS {
		conn, err = transport.DialWS(addr)
	} else {
		conn, err = transport.Dial(addr)
	}
	if err != nil {
		c.Printf("Failed to connect to server %s", addr)
		c.log.Debug().Err(err).Msg("Dial failed")
		return
	}
	conn.SetReadTimeout(clientReadTimeout)

	w := NewConnWrapper(conn, c.log)
	c.addWrapper(w, displayNum)
	w.Start(c)
	c.activateWrapper(w, true)
}

// addWrapper registers w under displayNum, or the lowest free non negative
// number when displayNum < 0.
func (c *Client) addWrapper(w *ConnWrapper, displayNum int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, taken := c.wrappers[displayNum]; taken || displayNum < 0 {
		for displayNum = 0; ; displayNum++ {
			if _, taken := c.wrappers[displayNum]; !taken {
				break
			}
		}
	}
	c.wrappers[displayNum] = w
}

// activateWrapper makes w the displayed wrapper and optionally issues the
// silent /info ping that resolves the server's canonical name.
func (c *Client) activateWrapper(w *ConnWrapper, pingForInfo bool) {
	c.mu.Lock()
	if c.current != nil && c.current != w {
		c.current.mu.Lock()
		c.current.active = false
		c.current.mu.Unlock()
	}
	c.current = w
	c.mu.Unlock()

	w.mu.Lock()
	w.active = true
	if pingForInfo {
		w.pingingForInfo = true
	}
	w.mu.Unlock()

	if pingForInfo {
		w.Enqueue("/info")
	}
}

// changeDisplay switches to display num, replaying its history.
func (c *Client) changeDisplay(num int) {
	c.mu.Lock()
	w, ok := c.wrappers[num]
	c.mu.Unlock()
	if !ok {
		c.Printf("No display on %d", num)
		return
	}

	history := w.History()
	for i := len(history) - 1; i >= 0; i-- {
		c.Printf("%s", history[i].Format())
	}
	c.activateWrapper(w, false)
}

// scheduleClose hands a wrapper to the reap queue. Listener and sender call
// this instead of Close, which would join them onto themselves.
func (c *Client) scheduleClose(w *ConnWrapper) {
	select {
	case c.toClose <- w:
	default:
		c.log.Warn().Msg("Close queue full")
	}
}

// reapClosed drains the reap queue on the input task.
func (c *Client) reapClosed() {
	for {
		select {
		case w := <-c.toClose:
			c.removeWrapper(w)
			w.Close()
		default:
			return
		}
	}
}

func (c *Client) removeWrapper(w *ConnWrapper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for num, other := range c.wrappers {
		if other == w {
			delete(c.wrappers, num)
		}
	}
	if c.current == w {
		c.current = nil
	}
}

func (c *Client) closeAll() {
	c.mu.Lock()
	wrappers := make([]*ConnWrapper, 0, len(c.wrappers))
	for _, w := range c.wrappers {
		wrappers = append(wrappers, w)
	}
	c.wrappers = make(map[int]*ConnWrapper)
	c.current = nil
	c.mu.Unlock()

	for _, w := range wrappers {
		w.Enqueue("")
		w.Close()
	}
	c.reapClosed()
}

// processReceived handles one frame from a wrapper's listener.
func (c *Client) processReceived(w *ConnWrapper, msg chat.Message) {
	switch msg.Type {
	case chat.TypeChannel:
		c.handleChannelPost(w, msg)

	case chat.TypeServer:
		c.handleServerReply(w, msg)

	case chat.TypeControl:
		rec, err := chat.ParseControl(msg.Body)
		if err != nil {
			c.log.Debug().Err(err).Msg("Bad control record")
			return
		}
		if rec.Tag == chat.MigrateFlag {
			go c.migrate(w, rec)
		}

	case chat.TypeRelay:
		// Relays are server to server traffic; a client should never see
		// one.
		c.log.Debug().Msg("Relay frame on a client connection")
	}
}

func (c *Client) handleChannelPost(w *ConnWrapper, msg chat.Message) {
	w.mu.Lock()
	if msg.IsWhisper() {
		w.lastWhisperer = msg.Whisperer()
	}
	// Any channel post means the server has us in a channel, except the
	// echo of a quit.
	if !strings.Contains(msg.Body, "has quit") {
		w.inChannel = true
		if w.pendingChannel != "" {
			w.confirmedChannel = w.pendingChannel
		}
	}
	active := w.active
	w.mu.Unlock()

	w.Store(msg)
	if active {
		c.Printf("%s", msg.Format())
	}
}

func (c *Client) handleServerReply(w *ConnWrapper, msg chat.Message) {
	w.mu.Lock()
	if w.pingingForInfo {
		if name, ok := parseServerName(msg.Body); ok {
			w.remoteName = name
			w.pingingForInfo = false
			w.mu.Unlock()
			// The info ping reply is consumed, not displayed.
			return
		}
	}
	active := w.active
	w.mu.Unlock()

	if msg.Body == "" {
		return
	}
	w.Store(msg)
	if active {
		c.Printf("%s", msg.Format())
	}
}

// parseServerName extracts the host:port token following "Server: " in an
// /info reply.
func parseServerName(body string) (string, bool) {
	_, rest, ok := strings.Cut(body, "Server: ")
	if !ok {
		return "", false
	}
	name := rest
	if i := strings.IndexAny(rest, " \n"); i >= 0 {
		name = rest[:i]
	}
	return name, name != ""
}

// migrate reacts to a --migrate directive: reconnect to the peer server and
// rejoin the channel there. Runs on its own goroutine so the listener keeps
// draining.
func (c *Client) migrate(old *ConnWrapper, rec chat.ControlRecord) {
	target := rec.Addr()
	c.Printf("Channel %s migrating to %s", rec.Channel, target)

	c.mu.Lock()
	var existing *ConnWrapper
	for _, w := range c.wrappers {
		if w != old && w.Name() == target {
			existing = w
			break
		}
	}
	c.mu.Unlock()

	if existing != nil {
		switch existing.Channel() {
		case rec.Channel:
			// Already where the migration points.
			return
		case "":
			c.adoptMigration(old, existing, rec.Channel)
			return
		default:
			c.Printf("Already on %s in channel %s, staying put", target, existing.Channel())
			return
		}
	}

	var (
		conn transport.Connection
		err  error
	)
	if c.network == transport.NetworkWS {
		conn, err = transport.DialWS(target)
	} else {
		conn, err = transport.Dial(target)
	}
	if err != nil {
		c.Printf("Migration to %s failed, staying on origin", target)
		c.log.Warn().Err(err).Msg("Migration dial failed")
		return
	}
	conn.SetReadTimeout(clientReadTimeout)

	w := NewConnWrapper(conn, c.log)
	c.addWrapper(w, -1)
	w.Start(c)

	w.mu.Lock()
	w.pingingForInfo = true
	w.mu.Unlock()
	w.Enqueue("/info")

	c.adoptMigration(old, w, rec.Channel)
}

// adoptMigration joins the replacement wrapper into the migrated channel and
// retires the old one. If the old wrapper was on display the new one takes
// over without clearing the terminal.
func (c *Client) adoptMigration(old, next *ConnWrapper, channel string) {
	next.Enqueue("/join " + channel)

	c.mu.Lock()
	wasActive := c.current == old
	c.mu.Unlock()

	c.removeWrapper(old)
	c.scheduleClose(old)

	if wasActive {
		c.activateWrapper(next, false)
	}
}

// listDisplays prints every open wrapper, sorted by display number.
func (c *Client) listDisplays() {
	c.reapClosed()

	c.mu.Lock()
	if len(c.wrappers) == 0 {
		c.mu.Unlock()
		c.Printf("Not connected to any server")
		return
	}

	nums := make([]int, 0, len(c.wrappers))
	for num := range c.wrappers {
		nums = append(nums, num)
	}
	sort.Ints(nums)

	current := c.current
	c.mu.Unlock()

	for _, num := range nums {
		c.mu.Lock()
		w := c.wrappers[num]
		c.mu.Unlock()
		if w == nil {
			continue
		}

		name := w.Name()
		if name == "" {
			name = "Unknown name"
		}

		line := fmt.Sprintf("%d : %s", num, name)
		if ch := w.Channel(); ch != "" {
			line += " | " + ch
		}
		if w == current {
			line += " <- current"
		}
		c.Printf("%s", line)
	}
}
