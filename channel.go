package dechat

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/emiago/dechat/chat"
	"github.com/emiago/dechat/transport"
)

const defaultHistoryLimit = 50

// Dedup window sizing. A relayed frame identity is remembered long enough to
// circulate every edge of a linked channel graph once.
const (
	defaultSeenTTL = 20 * time.Second
	defaultDupTTL  = 10 * time.Second
)

// LinkKey identifies one directed edge to a channel on a peer server.
type LinkKey struct {
	Channel string
	Host    string
	Port    int
}

func (k LinkKey) String() string {
	return fmt.Sprintf("%s@%s:%d", k.Channel, k.Host, k.Port)
}

// LinkInfo is a directed edge to a linked channel on another server.
// Bidirectional linking is two edges, one per side.
type LinkInfo struct {
	Key      LinkKey
	RemoteID uint16
	Conn     transport.Connection
}

// Channel is a named room local to one server: a membership set with a
// nickname bijection, a bounded newest first history, directed edges to
// linked peers and the seen frame cache that stops relay loops.
//
// All membership and link mutation happens on the server loop. The seen
// cache is the exception: eviction timers fire on their own goroutines, so
// it has its own lock.
type Channel struct {
	id       uint16
	name     string
	creator  transport.Connection
	password string

	historyLimit int
	history      []chat.Message

	members    map[transport.Connection]struct{}
	nickByConn map[transport.Connection]string
	connByNick map[string]transport.Connection

	links map[LinkKey]*LinkInfo

	seenTTL time.Duration
	dupTTL  time.Duration

	seenMu    sync.Mutex
	seen      map[chat.Message]struct{}
	marked    map[chat.Message]struct{}
	timers    map[*time.Timer]struct{}
	destroyed bool

	// onLeave is installed by the server to clear its conn to channel map
	// when a member quits from inside the channel.
	onLeave func(conn transport.Connection)

	log zerolog.Logger
}

func newChannel(id uint16, name string, creator transport.Connection, password string, logger zerolog.Logger) *Channel {
	return &Channel{
		id:           id,
		name:         name,
		creator:      creator,
		password:     password,
		historyLimit: defaultHistoryLimit,
		members:      make(map[transport.Connection]struct{}),
		nickByConn:   make(map[transport.Connection]string),
		connByNick:   make(map[string]transport.Connection),
		links:        make(map[LinkKey]*LinkInfo),
		seenTTL:      defaultSeenTTL,
		dupTTL:       defaultDupTTL,
		seen:         make(map[chat.Message]struct{}),
		marked:       make(map[chat.Message]struct{}),
		timers:       make(map[*time.Timer]struct{}),
		log:          logger.With().Str("channel", name).Logger(),
	}
}

func (ch *Channel) Name() string { return ch.name }
func (ch *Channel) ID() uint16   { return ch.id }

// Nickname returns the nickname assigned to conn inside the channel.
func (ch *Channel) Nickname(conn transport.Connection) (string, bool) {
	nick, ok := ch.nickByConn[conn]
	return nick, ok
}

// History returns the stored messages, newest first.
func (ch *Channel) History() []chat.Message {
	return ch.history
}

// SetNickname assigns nick to conn, suffixing "(n)" until it is unique
// within the channel. Returns the nickname actually assigned.
func (ch *Channel) SetNickname(conn transport.Connection, nick string) string {
	if old, ok := ch.nickByConn[conn]; ok {
		delete(ch.connByNick, old)
		delete(ch.nickByConn, conn)
	}

	if _, taken := ch.connByNick[nick]; taken {
		for i := 1; ; i++ {
			cand := fmt.Sprintf("%s(%d)", nick, i)
			if _, taken := ch.connByNick[cand]; !taken {
				nick = cand
				break
			}
		}
	}

	ch.nickByConn[conn] = nick
	ch.connByNick[nick] = conn
	return nick
}

// AddMember admits conn under nick. A set password must match unless conn is
// the creator.
func (ch *Channel) AddMember(conn transport.Connection, nick, password string) bool {
	if conn != ch.creator && ch.password != "" && ch.password != password {
		return false
	}

	ch.members[conn] = struct{}{}
	ch.SetNickname(conn, nick)
	return true
}

// RemoveMember drops conn and both sides of its nickname mapping.
func (ch *Channel) RemoveMember(conn transport.Connection) {
	delete(ch.members, conn)
	if nick, ok := ch.nickByConn[conn]; ok {
		delete(ch.connByNick, nick)
		delete(ch.nickByConn, conn)
	}
}

// Link adds one directed edge towards a peer channel.
func (ch *Channel) Link(info *LinkInfo) {
	ch.links[info.Key] = info
	ch.log.Info().Str("peer", info.Key.String()).Uint16("remote_id", info.RemoteID).Msg("Channel linked")
}

// Unlink removes the edge for key. Unknown keys fail.
func (ch *Channel) Unlink(key LinkKey) error {
	if _, ok := ch.links[key]; !ok {
		return fmt.Errorf("no link %s on channel %s", key, ch.name)
	}
	delete(ch.links, key)
	ch.log.Info().Str("peer", key.String()).Msg("Channel unlinked")
	return nil
}

// LinkedTo reports whether key is a known edge.
func (ch *Channel) LinkedTo(key LinkKey) bool {
	_, ok := ch.links[key]
	return ok
}

// SendHistory replays stored messages to conn oldest first, leaving out the
// skip newest ones.
func (ch *Channel) SendHistory(conn transport.Connection, skip int) {
	for i := len(ch.history) - 1; i >= skip; i-- {
		ch.send(conn, ch.history[i])
	}
}

// Welcome announces the arrival of conn under its assigned nickname.
func (ch *Channel) Welcome(conn transport.Connection) {
	if nick, ok := ch.nickByConn[conn]; ok {
		ch.Announce(nick + " joined the channel!")
	}
}

// Announce broadcasts body from the channel itself.
func (ch *Channel) Announce(body string) {
	ch.Broadcast(chat.Message{
		ChannelID: ch.id,
		Nickname:  chat.ChannelNick,
		Timestamp: now(),
		Type:      chat.TypeChannel,
		Body:      body,
	}, true, true)
}

// Broadcast delivers msg to every member and mirrors it to every linked
// peer. The frame identity is remembered so a mirror coming back through a
// link cycle is delivered at most once per node.
func (ch *Channel) Broadcast(msg chat.Message, save, relay bool) {
	// Stamping the local id first makes the dedup key channel agnostic:
	// a mirrored copy arrives carrying the peer's id and must still match.
	msg.ChannelID = ch.id

	if !ch.remember(msg) {
		relaysSuppressed.Inc()
		return
	}

	if save {
		ch.history = append([]chat.Message{msg}, ch.history...)
		if len(ch.history) > ch.historyLimit {
			ch.history = ch.history[:ch.historyLimit]
		}
	}

	for conn := range ch.members {
		ch.send(conn, msg)
	}
	broadcastsTotal.Inc()

	if relay && len(ch.links) > 0 {
		mirror := msg
		mirror.Type = chat.TypeRelay
		for _, link := range ch.links {
			mirror.ChannelID = link.RemoteID
			if err := link.Conn.WriteMsg(mirror); err != nil {
				ch.log.Debug().Err(err).Str("peer", link.Key.String()).Msg("Relay write failed")
			}
			relaysTotal.Inc()
		}
	}
}

// remember inserts msg into the seen cache, reporting false when the frame
// was already handled. A first sighting evicts after seenTTL no matter what;
// a repeat sighting re-arms a shorter eviction so identities of circulating
// frames do not pile up.
func (ch *Channel) remember(msg chat.Message) bool {
	ch.seenMu.Lock()
	defer ch.seenMu.Unlock()

	if ch.destroyed {
		return false
	}

	if _, seen := ch.seen[msg]; seen {
		if _, marked := ch.marked[msg]; !marked {
			ch.marked[msg] = struct{}{}
			ch.afterLocked(ch.dupTTL, func() {
				delete(ch.seen, msg)
				delete(ch.marked, msg)
			})
		}
		return false
	}

	ch.seen[msg] = struct{}{}
	ch.afterLocked(ch.seenTTL, func() {
		delete(ch.seen, msg)
	})
	return true
}

// afterLocked schedules fn under seenMu after d. Timers are tracked so
// destroy can stop them; a late firing against a destroyed channel is a
// no-op. Callers must hold seenMu.
func (ch *Channel) afterLocked(d time.Duration, fn func()) {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		ch.seenMu.Lock()
		defer ch.seenMu.Unlock()
		delete(ch.timers, t)
		if ch.destroyed {
			return
		}
		fn()
	})
	ch.timers[t] = struct{}{}
}

// stopTimers cancels pending evictions. Called by the server when the
// channel is destroyed.
func (ch *Channel) stopTimers() {
	ch.seenMu.Lock()
	defer ch.seenMu.Unlock()
	ch.destroyed = true
	for t := range ch.timers {
		t.Stop()
	}
	ch.timers = make(map[*time.Timer]struct{})
}

// HandleUserMessage rewrites the sender nickname to the one assigned in the
// channel and broadcasts.
func (ch *Channel) HandleUserMessage(conn transport.Connection, msg chat.Message) {
	if nick, ok := ch.nickByConn[conn]; ok {
		msg.Nickname = nick
	}
	ch.Broadcast(msg, true, true)
}

// send transmits one frame to a single member, as the channel.
func (ch *Channel) send(conn transport.Connection, msg chat.Message) {
	if err := conn.WriteMsg(msg); err != nil {
		ch.log.Debug().Err(err).Msg("Member write failed")
	}
}

// echo sends body to conn alone, from the channel.
func (ch *Channel) echo(conn transport.Connection, body string) {
	ch.send(conn, chat.Message{
		ChannelID: ch.id,
		Nickname:  chat.ChannelNick,
		Timestamp: now(),
		Type:      chat.TypeChannel,
		Body:      body,
	})
}

// HandleCommand runs an in-channel slash command typed by a member. Returns
// false when the command is not recognized so the server can reject it.
func (ch *Channel) HandleCommand(conn transport.Connection, msg chat.Message) bool {
	msg.Body = strings.TrimSpace(msg.Body)
	fields := chat.Fields(msg.Body)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return false
	}

	switch strings.ToLower(fields[0][1:]) {
	case "nick":
		if len(fields) >= 2 && len(fields[1]) <= chat.MaxNickLength {
			ch.SetNickname(conn, fields[1])
		}

	case "list":
		nicks := make([]string, 0, len(ch.members))
		for member := range ch.members {
			nicks = append(nicks, ch.nickByConn[member])
		}
		ch.echo(conn, strings.Join(nicks, "\n"))

	case "emote":
		if len(fields) >= 2 {
			_, rest, _ := strings.Cut(msg.Body, " ")
			ch.Announce(ch.nickByConn[conn] + " " + rest)
		}

	case "admin":
		if len(fields) >= 2 {
			target := fields[1]
			tconn, exists := ch.connByNick[target]
			switch {
			case !exists:
				ch.echo(conn, target+" doesn't exist")
			case tconn == ch.creator:
				ch.echo(conn, target+" is an operator")
			default:
				ch.echo(conn, target+" is a regular")
			}
		}

	case "message_limit":
		if len(fields) >= 2 && conn == ch.creator {
			if limit, err := strconv.Atoi(fields[1]); err == nil && limit >= 0 {
				ch.historyLimit = limit
				if len(ch.history) > limit {
					ch.history = ch.history[:limit]
				}
			}
		}

	case "pass":
		if conn != ch.creator {
			ch.echo(conn, "You are not the admin of the channel!")
			break
		}
		ch.password = ""
		if len(fields) >= 2 {
			ch.password = fields[1]
		}

	case "msg":
		// Guard and extract with the same space-only split; tokenizing the
		// guard on any whitespace would admit bodies the split cannot cut.
		parts := strings.SplitN(msg.Body, " ", 3)
		if len(parts) < 3 {
			break
		}
		target := parts[1]
		tconn, ok := ch.connByNick[target]
		if !ok {
			break
		}

		// A whisper goes to exactly two sockets and is never saved.
		body := parts[2]
		whisper := chat.Message{
			ChannelID: ch.id,
			Nickname:  ch.nickByConn[conn] + " -> " + target,
			Timestamp: now(),
			Type:      chat.TypeChannel,
			Body:      body,
		}
		ch.send(conn, whisper)
		ch.send(tconn, whisper)

	case "quit":
		nick := ch.nickByConn[conn]
		if len(fields) >= 2 {
			_, reason, _ := strings.Cut(msg.Body, " ")
			ch.Announce(fmt.Sprintf("%s has quit (%s)", nick, reason))
		} else {
			ch.Announce(nick + " has quit")
		}
		ch.RemoveMember(conn)
		if ch.onLeave != nil {
			ch.onLeave(conn)
		}

	default:
		return false
	}

	return true
}

func now() uint32 {
	return uint32(time.Now().Unix())
}
