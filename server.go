// Package dechat implements a federated text chat engine: servers hosting
// named channels that can be linked across servers, and a multi connection
// client. Frames are fixed header binary messages moved by the transport
// package.
package dechat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"

	"github.com/emiago/dechat/chat"
	"github.com/emiago/dechat/transport"
)

const (
	DefaultHost     = "localhost"
	DefaultPort     = 9996
	DefaultTickrate = 32

	// bindRetryDelay paces bind attempts when auto retry is on.
	bindRetryDelay = 3 * time.Second

	// connReadTimeout bounds the per connection poll so one quiet socket
	// does not stall the tick.
	connReadTimeout = 20 * time.Millisecond

	acceptTimeout = 10 * time.Millisecond
)

// ConnInfo tracks one accepted or dialed connection. A connection becomes a
// server peer the first time it sends a control or relay frame; peers are
// left out of the /info user count.
type ConnInfo struct {
	ID       string
	Conn     transport.Connection
	IsServer bool
}

// Server hosts channels and runs the tick driven accept/poll loop. All
// channel state is mutated on that loop; the conns list is the only state
// touched by outbound link dialers, so it sits behind a mutex.
type Server struct {
	host      string
	port      int
	network   string
	tickrate  int
	autoRetry bool
	configDir string
	seenTTL   time.Duration
	dupTTL    time.Duration

	createdAt time.Time
	log       zerolog.Logger

	mu    sync.Mutex
	conns []*ConnInfo

	channels    *chat.AliasMap[uint16, string, *Channel]
	connChannel map[transport.Connection]*Channel
	nickConn    map[string]transport.Connection

	nextID   uint16
	quitting atomic.Bool
}

type ServerOption func(s *Server) error

// WithServerAddr sets the bind host and port.
func WithServerAddr(host string, port int) ServerOption {
	return func(s *Server) error {
		if port < 0 || port > chat.MaxPortValue {
			return fmt.Errorf("port %d out of range", port)
		}
		s.host = host
		s.port = port
		return nil
	}
}

// WithServerTickrate sets the poll frequency in Hz.
func WithServerTickrate(hz int) ServerOption {
	return func(s *Server) error {
		if hz <= 0 {
			return fmt.Errorf("tickrate must be positive")
		}
		s.tickrate = hz
		return nil
	}
}

// WithServerNetwork selects the transport: tcp (default) or ws.
func WithServerNetwork(network string) ServerOption {
	return func(s *Server) error {
		switch network {
		case transport.NetworkTCP, transport.NetworkWS:
			s.network = network
			return nil
		}
		return transport.ErrNetworkNotSupported
	}
}

// WithServerAutoRetry keeps retrying a failed bind every 3 seconds instead
// of giving up.
func WithServerAutoRetry() ServerOption {
	return func(s *Server) error {
		s.autoRetry = true
		return nil
	}
}

// WithServerLogger allows customizing server logger.
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

// WithServerConfigDir sets the directory holding MOTD.txt, HELP.txt and
// RULES.txt. Default "config".
func WithServerConfigDir(dir string) ServerOption {
	return func(s *Server) error {
		s.configDir = dir
		return nil
	}
}

// WithServerDedupWindow overrides the relay dedup eviction TTLs.
func WithServerDedupWindow(seen, dup time.Duration) ServerOption {
	return func(s *Server) error {
		s.seenTTL = seen
		s.dupTTL = dup
		return nil
	}
}

// NewServer creates a server handle. Serve must be called to bind and run.
func NewServer(options ...ServerOption) (*Server, error) {
	s := &Server{
		host:        DefaultHost,
		port:        DefaultPort,
		network:     transport.NetworkTCP,
		tickrate:    DefaultTickrate,
		configDir:   "config",
		seenTTL:     defaultSeenTTL,
		dupTTL:      defaultDupTTL,
		channels:    chat.NewAliasMap[uint16, string, *Channel](),
		connChannel: make(map[transport.Connection]*Channel),
		nickConn:    make(map[string]transport.Connection),
		log:         log.Logger.With().Str("caller", "Server").Logger(),
	}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Addr returns the configured host:port.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// Shutdown asks the loop to stop at the next tick.
func (s *Server) Shutdown() {
	s.quitting.Store(true)
}

// Serve binds and runs the loop until ctx is done or /die is received.
// It satisfies suture.Service; an unrecoverable bind without auto retry
// takes the supervisor tree down with it.
func (s *Server) Serve(ctx context.Context) error {
	l, err := s.bind(ctx)
	if err != nil {
		if !s.autoRetry {
			return errors.Join(suture.ErrTerminateSupervisorTree, err)
		}
		return err
	}
	return s.ServeListener(ctx, l)
}

func (s *Server) bind(ctx context.Context) (*net.TCPListener, error) {
	for {
		l, err := transport.Listen(s.Addr())
		if err == nil {
			return l, nil
		}
		if !s.autoRetry {
			return nil, err
		}

		s.log.Warn().Err(err).Msgf("Bind not successful. Retrying in %s", bindRetryDelay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bindRetryDelay):
		}
	}
}

// ServeListener runs the tick loop on an already bound listener. Tests use
// it to serve on an ephemeral port.
func (s *Server) ServeListener(ctx context.Context, l *net.TCPListener) error {
	defer l.Close()
	defer s.closeAll()

	s.createdAt = time.Now()
	s.log.Info().Msgf("Hosting on %s", s.Addr())

	tick := time.Second / time.Duration(s.tickrate)
	for !s.quitting.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		s.acceptOnce(l)
		s.pollConns()

		if rem := tick - time.Since(start); rem > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rem):
			}
		}
	}

	s.log.Info().Msg("Server quitting")
	return nil
}

// acceptOnce admits at most one pending connection this tick. New
// connections get the MOTD reply unsolicited.
func (s *Server) acceptOnce(l *net.TCPListener) {
	if err := l.SetDeadline(time.Now().Add(acceptTimeout)); err != nil {
		return
	}

	nc, err := l.Accept()
	if err != nil {
		if !transport.IsTimeout(err) {
			s.log.Error().Err(err).Msg("Fail to accept connection")
		}
		return
	}

	var conn transport.Connection
	if s.network == transport.NetworkWS {
		nc.SetReadDeadline(time.Now().Add(time.Second))
		ws, err := transport.UpgradeWS(nc)
		if err != nil {
			s.log.Warn().Err(err).Msg("WS upgrade failed")
			nc.Close()
			return
		}
		conn = ws
	} else {
		conn = transport.NewConn(nc)
	}
	conn.SetReadTimeout(connReadTimeout)

	ci := s.addConn(conn, false)
	s.log.Info().Str("conn", ci.ID).Msgf("New connection! %s", nc.RemoteAddr())

	s.reply(ci.Conn, s.configReply("MOTD.txt", "motd"))
}

func (s *Server) addConn(conn transport.Connection, isServer bool) *ConnInfo {
	ci := &ConnInfo{ID: uuid.NewString(), Conn: conn, IsServer: isServer}
	s.mu.Lock()
	s.conns = append(s.conns, ci)
	s.mu.Unlock()
	connectionsGauge.Inc()
	return ci
}

// pollConns gives every connection one read attempt, in insertion order.
func (s *Server) pollConns() {
	s.mu.Lock()
	snapshot := make([]*ConnInfo, len(s.conns))
	copy(snapshot, s.conns)
	s.mu.Unlock()

	for _, ci := range snapshot {
		msg, err := ci.Conn.ReadMsg()
		switch {
		case err == nil && !msg.IsClose():
			s.dispatch(ci, msg)
		case transport.IsTimeout(err):
			// No data this tick.
		default:
			// EOF, reset, malformed frame or the close sentinel.
			s.dropConn(ci)
		}
	}
}

// dropConn removes every trace of a connection: membership, nickname
// mapping and the conns entry itself.
func (s *Server) dropConn(ci *ConnInfo) {
	s.log.Info().Str("conn", ci.ID).Msg("Closing connection")

	if ch, ok := s.connChannel[ci.Conn]; ok {
		ch.RemoveMember(ci.Conn)
		delete(s.connChannel, ci.Conn)
	}
	for nick, conn := range s.nickConn {
		if conn == ci.Conn {
			delete(s.nickConn, nick)
		}
	}

	s.mu.Lock()
	for i, other := range s.conns {
		if other == ci {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	connectionsGauge.Dec()

	ci.Conn.Close()
}

func (s *Server) dispatch(ci *ConnInfo, msg chat.Message) {
	framesTotal.WithLabelValues(msg.Type.String()).Inc()

	switch msg.Type {
	case chat.TypeChannel, chat.TypeServer:
		s.handleUserFrame(ci, msg)
	case chat.TypeControl:
		ci.IsServer = true
		s.handleControl(ci, msg)
	case chat.TypeRelay:
		ci.IsServer = true
		s.handleRelay(ci, msg)
	}
}

// handleUserFrame routes client input: into the connection's channel when it
// has one, otherwise through the server command table.
func (s *Server) handleUserFrame(ci *ConnInfo, msg chat.Message) {
	s.nickConn[msg.Nickname] = ci.Conn

	// Tokenize before the prefix check so leading whitespace does not turn
	// a command into a plain message.
	fields := chat.Fields(msg.Body)
	isCommand := len(fields) > 0 && strings.HasPrefix(fields[0], "/")

	if ch, ok := s.connChannel[ci.Conn]; ok {
		if isCommand {
			if !ch.HandleCommand(ci.Conn, msg) {
				s.reply(ci.Conn, "Command not recognized")
			}
			return
		}
		ch.HandleUserMessage(ci.Conn, msg)
		return
	}

	if !isCommand {
		return
	}

	cmd, ok := serverCommands[strings.ToLower(fields[0][1:])]
	if !ok {
		s.reply(ci.Conn, "Command not recognized")
		return
	}
	cmd(s, ci, msg, fields)
}

// handleControl runs the inter server link protocol.
func (s *Server) handleControl(ci *ConnInfo, msg chat.Message) {
	rec, err := chat.ParseControl(msg.Body)
	if err != nil {
		s.log.Warn().Err(err).Msg("Bad control record")
		return
	}

	key := LinkKey{Channel: rec.Channel, Host: rec.Host, Port: rec.Port}

	switch rec.Tag {
	case chat.LinkFlag:
		// The peer asks to link; answer with our channel id, or the
		// reserved id when the channel does not exist here.
		replyID := chat.ServerChannelID
		if ch, ok := s.channels.GetAlias(rec.Channel); ok {
			ch.Link(&LinkInfo{Key: key, RemoteID: msg.ChannelID, Conn: ci.Conn})
			replyID = ch.id
		}

		resp := chat.Message{
			ChannelID: replyID,
			Timestamp: now(),
			Type:      chat.TypeControl,
			Body: chat.ControlRecord{
				Tag:     chat.ResponseFlag,
				Channel: rec.Channel,
				Host:    s.host,
				Port:    s.port,
			}.Encode(),
		}
		if err := ci.Conn.WriteMsg(resp); err != nil {
			s.log.Warn().Err(err).Msg("Link response write failed")
		}

	case chat.UnlinkFlag:
		if ch, ok := s.channels.GetAlias(rec.Channel); ok {
			if err := ch.Unlink(key); err != nil {
				s.log.Warn().Err(err).Msg("Unlink failed")
			}
		}

	case chat.ResponseFlag:
		// Our earlier --link answered. A reserved id means the peer had no
		// such channel; otherwise record the outgoing edge.
		if msg.ChannelID == chat.ServerChannelID {
			s.log.Warn().Str("channel", rec.Channel).Msg("Link rejected by peer")
			return
		}
		if ch, ok := s.channels.GetAlias(rec.Channel); ok {
			ch.Link(&LinkInfo{Key: key, RemoteID: msg.ChannelID, Conn: ci.Conn})
		}

	default:
		s.log.Warn().Str("tag", rec.Tag).Msg("Unhandled control tag")
	}
}

// handleRelay re-broadcasts a mirrored channel post locally. The dedup cache
// in the channel stops it from circulating forever.
func (s *Server) handleRelay(ci *ConnInfo, msg chat.Message) {
	ch, ok := s.channels.Get(msg.ChannelID)
	if !ok {
		s.log.Warn().Uint16("id", msg.ChannelID).Msg("Relay for a channel that doesn't exist")
		return
	}

	msg.Type = chat.TypeChannel
	ch.Broadcast(msg, true, true)
}

// reply sends a server scoped frame to one connection.
func (s *Server) reply(conn transport.Connection, body string) {
	msg := chat.Message{
		ChannelID: chat.ServerChannelID,
		Timestamp: now(),
		Type:      chat.TypeServer,
		Body:      body,
	}
	if err := conn.WriteMsg(msg); err != nil {
		s.log.Debug().Err(err).Msg("Reply write failed")
	}
}

// newChannel allocates a channel with the next free id. The reserved server
// scope id is skipped.
func (s *Server) newChannel(creator transport.Connection, name, password string) *Channel {
	for s.channels.Contains(s.nextID) || s.nextID == chat.ServerChannelID {
		s.nextID++
	}

	ch := newChannel(s.nextID, name, creator, password, s.log)
	ch.seenTTL = s.seenTTL
	ch.dupTTL = s.dupTTL
	ch.onLeave = func(conn transport.Connection) {
		delete(s.connChannel, conn)
	}
	s.nextID++

	s.channels.Set(ch.id, ch)
	s.channels.AddAlias(name, ch.id)
	channelsGauge.Inc()
	return ch
}

// destroyChannel removes ch from the server and clears every member's
// channel mapping. Only the server core may call it.
func (s *Server) destroyChannel(ch *Channel) {
	ch.stopTimers()
	s.channels.Delete(ch.id)
	for conn, c := range s.connChannel {
		if c == ch {
			delete(s.connChannel, conn)
		}
	}
	channelsGauge.Dec()
	s.log.Info().Str("channel", ch.name).Msg("Channel destroyed")
}

// dialPeer opens an outbound connection to another server and registers it
// as a server peer. Runs on a short lived goroutine so the loop never blocks
// on a remote dial.
func (s *Server) dialPeer(addr string) (*ConnInfo, error) {
	var (
		conn transport.Connection
		err  error
	)
	if s.network == transport.NetworkWS {
		conn, err = transport.DialWS(addr)
	} else {
		conn, err = transport.Dial(addr)
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadTimeout(connReadTimeout)
	return s.addConn(conn, true), nil
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ci := range s.conns {
		ci.Conn.Close()
	}
	s.conns = nil
}

// userCount counts client connections, leaving server peers out.
func (s *Server) userCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ci := range s.conns {
		if !ci.IsServer {
			n++
		}
	}
	return n
}
