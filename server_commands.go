package dechat

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emiago/dechat/chat"
)

// serverCommand handles one slash command from a connection that is not in
// a channel. fields is the tokenized body, fields[0] the /command itself.
type serverCommand func(s *Server, ci *ConnInfo, msg chat.Message, fields []string)

// serverCommands is the fixed dispatch table, built once at startup.
var serverCommands = map[string]serverCommand{
	"motd":    cmdMotd,
	"help":    cmdHelp,
	"rules":   cmdRules,
	"info":    cmdInfo,
	"list":    cmdList,
	"create":  cmdCreate,
	"join":    cmdJoin,
	"invite":  cmdInvite,
	"die":     cmdDie,
	"link":    cmdLink,
	"unlink":  cmdUnlink,
	"migrate": cmdMigrate,
}

// configReply reads a config file, or produces the "no such file" notice.
func (s *Server) configReply(file, name string) string {
	data, err := os.ReadFile(filepath.Join(s.configDir, file))
	if err != nil {
		return fmt.Sprintf("This server has no %s file", name)
	}
	return strings.TrimRight(string(data), "\n")
}

func cmdMotd(s *Server, ci *ConnInfo, _ chat.Message, _ []string) {
	s.reply(ci.Conn, s.configReply("MOTD.txt", "motd"))
}

func cmdHelp(s *Server, ci *ConnInfo, _ chat.Message, _ []string) {
	s.reply(ci.Conn, s.configReply("HELP.txt", "help"))
}

func cmdRules(s *Server, ci *ConnInfo, _ chat.Message, _ []string) {
	s.reply(ci.Conn, s.configReply("RULES.txt", "rules"))
}

func cmdInfo(s *Server, ci *ConnInfo, _ chat.Message, _ []string) {
	s.reply(ci.Conn, strings.Join([]string{
		fmt.Sprintf("Server: %s", s.Addr()),
		fmt.Sprintf("%d channels", s.channels.Len()),
		fmt.Sprintf("%d connected users", s.userCount()),
		fmt.Sprintf("Uptime: %s", chat.FormatTimePeriod(time.Since(s.createdAt))),
	}, "\n"))
}

func cmdList(s *Server, ci *ConnInfo, _ chat.Message, _ []string) {
	channels := s.channels.Values()
	if len(channels) == 0 {
		s.reply(ci.Conn, "No channels in server")
		return
	}

	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.Name())
	}
	s.reply(ci.Conn, "Channels:\n"+strings.Join(names, ", "))
}

func cmdCreate(s *Server, ci *ConnInfo, msg chat.Message, fields []string) {
	if len(fields) < 2 {
		return
	}

	name := fields[1]
	if s.channels.ContainsAlias(name) {
		s.reply(ci.Conn, fmt.Sprintf("Channel %s already exists", name))
		return
	}

	password := ""
	if len(fields) >= 3 {
		password = fields[2]
	}

	ch := s.newChannel(ci.Conn, name, password)
	s.joinChannel(ci, ch, msg.Nickname, password)
}

func cmdJoin(s *Server, ci *ConnInfo, msg chat.Message, fields []string) {
	if len(fields) < 2 {
		return
	}

	name := fields[1]
	ch, ok := s.channels.GetAlias(name)
	if !ok {
		s.reply(ci.Conn, fmt.Sprintf("Channel %s doesn't exist", name))
		return
	}
	if s.connChannel[ci.Conn] == ch {
		return
	}

	password := ""
	if len(fields) >= 3 {
		password = fields[2]
	}

	if !s.joinChannel(ci, ch, msg.Nickname, password) {
		s.reply(ci.Conn, fmt.Sprintf("Wrong password for channel %s", name))
	}
}

// joinChannel leaves any previous channel first: a connection is a member
// of at most one channel.
func (s *Server) joinChannel(ci *ConnInfo, ch *Channel, nick, password string) bool {
	if prev, ok := s.connChannel[ci.Conn]; ok {
		prev.RemoveMember(ci.Conn)
		delete(s.connChannel, ci.Conn)
	}

	if !ch.AddMember(ci.Conn, nick, password) {
		return false
	}
	s.connChannel[ci.Conn] = ch

	ch.SendHistory(ci.Conn, 0)
	ch.Welcome(ci.Conn)
	return true
}

func cmdInvite(s *Server, ci *ConnInfo, _ chat.Message, fields []string) {
	if len(fields) < 3 {
		return
	}

	nick, name := fields[1], fields[2]

	target, ok := s.nickConn[nick]
	if !ok {
		s.reply(ci.Conn, fmt.Sprintf("%s doesn't exist", nick))
		return
	}

	ch, ok := s.channels.GetAlias(name)
	if !ok {
		s.reply(ci.Conn, fmt.Sprintf("%s doesn't exist", name))
		return
	}

	s.reply(target, fmt.Sprintf("You've been invited to %s", ch.Name()))
}

func cmdDie(s *Server, _ *ConnInfo, _ chat.Message, _ []string) {
	s.Shutdown()
}

// cmdLink starts the link handshake: dial the peer and send a --link record
// stamped with our channel id; the edge is recorded when the --response
// comes back. The dial runs off loop.
func cmdLink(s *Server, ci *ConnInfo, _ chat.Message, fields []string) {
	ch, addr, ok := s.linkArgs(ci, fields)
	if !ok {
		return
	}

	go func() {
		peer, err := s.dialPeer(addr)
		if err != nil {
			s.log.Warn().Err(err).Str("peer", addr).Msg("Link dial failed")
			return
		}

		err = peer.Conn.WriteMsg(chat.Message{
			ChannelID: ch.ID(),
			Timestamp: now(),
			Type:      chat.TypeControl,
			Body: chat.ControlRecord{
				Tag:     chat.LinkFlag,
				Channel: ch.Name(),
				Host:    s.host,
				Port:    s.port,
			}.Encode(),
		})
		if err != nil {
			s.log.Warn().Err(err).Str("peer", addr).Msg("Link request write failed")
		}
	}()
}

// cmdUnlink drops our outgoing edge and tells the peer to drop the
// reverse one.
func cmdUnlink(s *Server, ci *ConnInfo, _ chat.Message, fields []string) {
	ch, addr, ok := s.linkArgs(ci, fields)
	if !ok {
		return
	}

	host, port, err := chat.ParseAddr(addr)
	if err != nil {
		s.reply(ci.Conn, err.Error())
		return
	}

	key := LinkKey{Channel: ch.Name(), Host: host, Port: port}
	if ch.LinkedTo(key) {
		ch.Unlink(key)
	}

	go func() {
		peer, err := s.dialPeer(addr)
		if err != nil {
			s.log.Warn().Err(err).Str("peer", addr).Msg("Unlink dial failed")
			return
		}

		err = peer.Conn.WriteMsg(chat.Message{
			ChannelID: ch.ID(),
			Timestamp: now(),
			Type:      chat.TypeControl,
			Body: chat.ControlRecord{
				Tag:     chat.UnlinkFlag,
				Channel: ch.Name(),
				Host:    s.host,
				Port:    s.port,
			}.Encode(),
		})
		if err != nil {
			s.log.Warn().Err(err).Str("peer", addr).Msg("Unlink request write failed")
		}
	}()
}

// cmdMigrate moves a channel to a linked peer: sever the peer's edge back
// to us, tell every member to reconnect there, then tear the channel down.
// The peer channel exists because the link to it does; if it is gone by the
// time members arrive they get the normal join failure and stay put.
func cmdMigrate(s *Server, ci *ConnInfo, _ chat.Message, fields []string) {
	ch, addr, ok := s.linkArgs(ci, fields)
	if !ok {
		return
	}

	host, port, err := chat.ParseAddr(addr)
	if err != nil {
		s.reply(ci.Conn, err.Error())
		return
	}

	key := LinkKey{Channel: ch.Name(), Host: host, Port: port}
	link, linked := ch.links[key]
	if !linked {
		s.reply(ci.Conn, fmt.Sprintf("%s is not linked to %s", ch.Name(), addr))
		return
	}

	// The peer must stop mirroring into a channel about to disappear. Its
	// edge is keyed by our address.
	err = link.Conn.WriteMsg(chat.Message{
		ChannelID: ch.ID(),
		Timestamp: now(),
		Type:      chat.TypeControl,
		Body: chat.ControlRecord{
			Tag:     chat.UnlinkFlag,
			Channel: ch.Name(),
			Host:    s.host,
			Port:    s.port,
		}.Encode(),
	})
	if err != nil {
		s.log.Warn().Err(err).Str("peer", addr).Msg("Migrate unlink write failed")
	}

	ch.Broadcast(chat.Message{
		Timestamp: now(),
		Type:      chat.TypeControl,
		Body: chat.ControlRecord{
			Tag:     chat.MigrateFlag,
			Channel: ch.Name(),
			Host:    host,
			Port:    port,
		}.Encode(),
	}, false, false)

	s.destroyChannel(ch)
}

// linkArgs validates the common "<channel> <host:port>" argument pair of the
// link family commands.
func (s *Server) linkArgs(ci *ConnInfo, fields []string) (*Channel, string, bool) {
	if len(fields) < 3 {
		s.reply(ci.Conn, fmt.Sprintf("Usage: %s <channel> <host:port>", fields[0]))
		return nil, "", false
	}

	ch, ok := s.channels.GetAlias(fields[1])
	if !ok {
		s.reply(ci.Conn, fmt.Sprintf("Channel %s doesn't exist", fields[1]))
		return nil, "", false
	}

	if _, _, err := chat.ParseAddr(fields[2]); err != nil {
		s.reply(ci.Conn, err.Error())
		return nil, "", false
	}
	return ch, fields[2], true
}
