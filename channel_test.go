package dechat

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emiago/dechat/chat"
	"github.com/emiago/dechat/fakes"
	"github.com/emiago/dechat/transport"
)

func testChannel(t *testing.T, name, password string) (*Channel, *fakes.Conn) {
	t.Helper()
	creator := fakes.NewConn(1000)
	ch := newChannel(1, name, creator, password, zerolog.Nop())
	t.Cleanup(ch.stopTimers)
	return ch, creator
}

func channelPosts(conn *fakes.Conn) []chat.Message {
	var posts []chat.Message
	for _, msg := range conn.Written() {
		if msg.Type == chat.TypeChannel {
			posts = append(posts, msg)
		}
	}
	return posts
}

func TestChannelMembershipAndNickCollision(t *testing.T) {
	ch, creator := testChannel(t, "general", "")
	require.True(t, ch.AddMember(creator, "dave", ""))

	other := fakes.NewConn(1001)
	require.True(t, ch.AddMember(other, "dave", ""))

	nick, ok := ch.Nickname(other)
	require.True(t, ok)
	assert.Equal(t, "dave(1)", nick)

	third := fakes.NewConn(1002)
	require.True(t, ch.AddMember(third, "dave", ""))
	nick, _ = ch.Nickname(third)
	assert.Equal(t, "dave(2)", nick)

	ch.RemoveMember(other)
	_, ok = ch.Nickname(other)
	assert.False(t, ok)
}

func TestChannelPassword(t *testing.T) {
	ch, creator := testChannel(t, "secret", "hunter2")

	// The creator never needs the password.
	assert.True(t, ch.AddMember(creator, "op", ""))

	guest := fakes.NewConn(1001)
	assert.False(t, ch.AddMember(guest, "guest", ""))
	assert.False(t, ch.AddMember(guest, "guest", "wrong"))
	assert.True(t, ch.AddMember(guest, "guest", "hunter2"))
}

func TestChannelBroadcastSavesNewestFirst(t *testing.T) {
	ch, creator := testChannel(t, "general", "")
	require.True(t, ch.AddMember(creator, "alice", ""))

	for i, body := range []string{"one", "two", "three"} {
		ch.Broadcast(chat.Message{
			Nickname:  "alice",
			Timestamp: uint32(i),
			Type:      chat.TypeChannel,
			Body:      body,
		}, true, true)
	}

	history := ch.History()
	require.Len(t, history, 3)
	assert.Equal(t, "three", history[0].Body)
	assert.Equal(t, "one", history[2].Body)

	posts := channelPosts(creator)
	require.Len(t, posts, 3)
	assert.Equal(t, uint16(1), posts[0].ChannelID, "local id stamped on delivery")
}

func TestChannelDedupSuppressesRepeat(t *testing.T) {
	ch, creator := testChannel(t, "general", "")
	require.True(t, ch.AddMember(creator, "alice", ""))
	ch.seenTTL = 50 * time.Millisecond
	ch.dupTTL = 20 * time.Millisecond

	msg := chat.Message{Nickname: "alice", Timestamp: 1, Type: chat.TypeChannel, Body: "ping"}

	ch.Broadcast(msg, true, true)
	ch.Broadcast(msg, true, true)
	assert.Len(t, channelPosts(creator), 1, "repeat within the window is dropped")

	// After eviction the same identity goes through again.
	time.Sleep(100 * time.Millisecond)
	ch.Broadcast(msg, true, true)
	assert.Len(t, channelPosts(creator), 2)
}

func TestChannelRelayMirror(t *testing.T) {
	ch, creator := testChannel(t, "shared", "")
	require.True(t, ch.AddMember(creator, "alice", ""))

	peer := fakes.NewConn(2000)
	ch.Link(&LinkInfo{
		Key:      LinkKey{Channel: "shared", Host: "localhost", Port: 9997},
		RemoteID: 42,
		Conn:     peer,
	})

	ch.Broadcast(chat.Message{Nickname: "alice", Timestamp: 1, Type: chat.TypeChannel, Body: "hi"}, true, true)

	mirror, ok := peer.LastWritten()
	require.True(t, ok)
	assert.Equal(t, chat.TypeRelay, mirror.Type)
	assert.Equal(t, uint16(42), mirror.ChannelID, "mirror carries the peer's channel id")
	assert.Equal(t, "hi", mirror.Body)

	// The mirrored copy coming back is recognized and not re-relayed.
	peer.Reset()
	ch.Broadcast(chat.Message{Nickname: "alice", Timestamp: 1, Type: chat.TypeChannel, Body: "hi"}, true, true)
	_, ok = peer.LastWritten()
	assert.False(t, ok)
}

func TestChannelRelayFlagOff(t *testing.T) {
	ch, creator := testChannel(t, "shared", "")
	require.True(t, ch.AddMember(creator, "alice", ""))

	peer := fakes.NewConn(2000)
	ch.Link(&LinkInfo{Key: LinkKey{Channel: "shared", Host: "h", Port: 1}, RemoteID: 5, Conn: peer})

	ch.Broadcast(chat.Message{Type: chat.TypeControl, Body: "x"}, false, false)
	_, ok := peer.LastWritten()
	assert.False(t, ok)
	assert.Empty(t, ch.History(), "save=false keeps history untouched")
}

func TestChannelUnlink(t *testing.T) {
	ch, _ := testChannel(t, "shared", "")

	key := LinkKey{Channel: "shared", Host: "localhost", Port: 9997}
	ch.Link(&LinkInfo{Key: key, RemoteID: 7, Conn: fakes.NewConn(2000)})
	require.True(t, ch.LinkedTo(key))

	require.NoError(t, ch.Unlink(key))
	assert.False(t, ch.LinkedTo(key))
	assert.Error(t, ch.Unlink(key))
}

func TestChannelWhisper(t *testing.T) {
	ch, creator := testChannel(t, "general", "")
	require.True(t, ch.AddMember(creator, "alice", ""))
	bob := fakes.NewConn(1001)
	require.True(t, ch.AddMember(bob, "bob", ""))
	carol := fakes.NewConn(1002)
	require.True(t, ch.AddMember(carol, "carol", ""))

	ok := ch.HandleCommand(creator, chat.Message{Nickname: "alice", Body: "/msg bob secret words"})
	require.True(t, ok)

	got, ok := bob.LastWritten()
	require.True(t, ok)
	assert.Equal(t, "alice -> bob", got.Nickname)
	assert.Equal(t, "secret words", got.Body)

	_, ok = carol.LastWritten()
	assert.False(t, ok, "whisper goes to exactly two sockets")
	assert.Empty(t, ch.History(), "whispers are never saved")
}

func TestChannelWhisperMalformed(t *testing.T) {
	ch, creator := testChannel(t, "general", "")
	require.True(t, ch.AddMember(creator, "alice", ""))
	bob := fakes.NewConn(1001)
	require.True(t, ch.AddMember(bob, "bob", ""))

	// Tab separated arguments tokenize to three fields but split to two on
	// spaces; the handler must treat them as missing, not crash.
	require.NotPanics(t, func() {
		assert.True(t, ch.HandleCommand(creator, chat.Message{Nickname: "alice", Body: "/msg bob\thi"}))
	})
	_, ok := bob.LastWritten()
	assert.False(t, ok)

	require.True(t, ch.HandleCommand(creator, chat.Message{Nickname: "alice", Body: "/msg bob"}))
	_, ok = bob.LastWritten()
	assert.False(t, ok)
}

func TestChannelCommandLeadingWhitespace(t *testing.T) {
	ch, creator := testChannel(t, "general", "")
	require.True(t, ch.AddMember(creator, "alice", ""))
	bob := fakes.NewConn(1001)
	require.True(t, ch.AddMember(bob, "bob", ""))

	require.True(t, ch.HandleCommand(bob, chat.Message{Body: "  /admin alice"}))
	got, ok := bob.LastWritten()
	require.True(t, ok)
	assert.Equal(t, "alice is an operator", got.Body)

	bob.Reset()
	require.True(t, ch.HandleCommand(creator, chat.Message{Nickname: "alice", Body: " /msg bob hi there"}))
	got, ok = bob.LastWritten()
	require.True(t, ok)
	assert.Equal(t, "alice -> bob", got.Nickname)
	assert.Equal(t, "hi there", got.Body)
}

func TestChannelCommands(t *testing.T) {
	ch, creator := testChannel(t, "general", "")
	require.True(t, ch.AddMember(creator, "alice", ""))
	bob := fakes.NewConn(1001)
	require.True(t, ch.AddMember(bob, "bob", ""))

	require.True(t, ch.HandleCommand(bob, chat.Message{Body: "/nick robert"}))
	nick, _ := ch.Nickname(bob)
	assert.Equal(t, "robert", nick)

	bob.Reset()
	require.True(t, ch.HandleCommand(bob, chat.Message{Body: "/admin alice"}))
	got, _ := bob.LastWritten()
	assert.Equal(t, "alice is an operator", got.Body)

	require.True(t, ch.HandleCommand(bob, chat.Message{Body: "/admin robert"}))
	got, _ = bob.LastWritten()
	assert.Equal(t, "robert is a regular", got.Body)

	// Only the creator may set the password.
	require.True(t, ch.HandleCommand(bob, chat.Message{Body: "/pass letmein"}))
	assert.Empty(t, ch.password)
	require.True(t, ch.HandleCommand(creator, chat.Message{Body: "/pass letmein"}))
	assert.Equal(t, "letmein", ch.password)

	assert.False(t, ch.HandleCommand(bob, chat.Message{Body: "/bogus"}))
}

func TestChannelMessageLimit(t *testing.T) {
	ch, creator := testChannel(t, "general", "")
	require.True(t, ch.AddMember(creator, "alice", ""))

	for i := 0; i < 5; i++ {
		ch.Broadcast(chat.Message{Timestamp: uint32(i), Type: chat.TypeChannel, Body: "m"}, true, false)
	}
	require.Len(t, ch.History(), 5)

	require.True(t, ch.HandleCommand(creator, chat.Message{Body: "/message_limit 2"}))
	assert.Len(t, ch.History(), 2)
	assert.Equal(t, uint32(4), ch.History()[0].Timestamp, "newest survive the trim")
}

func TestChannelQuit(t *testing.T) {
	ch, creator := testChannel(t, "general", "")
	require.True(t, ch.AddMember(creator, "alice", ""))

	var left bool
	ch.onLeave = func(transport.Connection) { left = true }

	require.True(t, ch.HandleCommand(creator, chat.Message{Body: "/quit gone fishing"}))
	assert.True(t, left)

	posts := channelPosts(creator)
	require.NotEmpty(t, posts)
	assert.Equal(t, "alice has quit (gone fishing)", posts[len(posts)-1].Body)
	assert.Empty(t, ch.members)
}
