package dechat

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emiago/dechat/chat"
	"github.com/emiago/dechat/transport"
)

// startServer binds an ephemeral port first so the server knows its real
// address, then runs the tick loop until the test ends.
func startServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()

	l, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port

	opts = append([]ServerOption{
		WithServerAddr("127.0.0.1", port),
		WithServerConfigDir(t.TempDir()),
		WithServerLogger(zerolog.Nop()),
	}, opts...)

	s, err := NewServer(opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ServeListener(ctx, l)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

type testClient struct {
	t    *testing.T
	conn *transport.Conn
	nick string
}

// dialServer connects a test client and consumes the MOTD greeting.
func dialServer(t *testing.T, s *Server, nick string) *testClient {
	t.Helper()

	conn, err := transport.Dial(s.Addr())
	require.NoError(t, err)
	conn.SetReadTimeout(50 * time.Millisecond)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn, nick: nick}
	c.expect("This server has no motd file")
	return c
}

func (c *testClient) send(body string) {
	c.t.Helper()
	err := c.conn.WriteMsg(chat.Message{
		Nickname:  c.nick,
		Timestamp: uint32(time.Now().UnixNano()),
		Type:      chat.TypeServer,
		Body:      body,
	})
	require.NoError(c.t, err)
}

// expect reads frames until one contains substr, failing after two seconds.
func (c *testClient) expect(substr string) chat.Message {
	c.t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := c.conn.ReadMsg()
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			c.t.Fatalf("read failed waiting for %q: %v", substr, err)
		}
		if strings.Contains(msg.Body, substr) {
			return msg
		}
	}
	c.t.Fatalf("no frame containing %q", substr)
	return chat.Message{}
}

// countWithin counts frames containing substr arriving during d.
func (c *testClient) countWithin(d time.Duration, substr string) int {
	c.t.Helper()

	count := 0
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		msg, err := c.conn.ReadMsg()
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			return count
		}
		if strings.Contains(msg.Body, substr) {
			count++
		}
	}
	return count
}

func TestServerHelloWorld(t *testing.T) {
	s := startServer(t)

	alice := dialServer(t, s, "alice")
	bob := dialServer(t, s, "bob")

	alice.send("/create general")
	alice.expect("alice joined the channel!")

	bob.send("/join general")
	bob.expect("bob joined the channel!")
	alice.expect("bob joined the channel!")

	alice.send("hello world")
	got := bob.expect("hello world")
	assert.Equal(t, "alice", got.Nickname)
	alice.expect("hello world")
}

func TestServerHistoryReplay(t *testing.T) {
	s := startServer(t)

	alice := dialServer(t, s, "alice")
	alice.send("/create general")
	alice.expect("alice joined the channel!")
	alice.send("before you arrived")
	alice.expect("before you arrived")

	// A late joiner gets the saved history replayed.
	bob := dialServer(t, s, "bob")
	bob.send("/join general")
	bob.expect("before you arrived")
	bob.expect("bob joined the channel!")
}

func TestServerChannelPassword(t *testing.T) {
	s := startServer(t)

	alice := dialServer(t, s, "alice")
	alice.send("/create secret hunter2")
	alice.expect("alice joined the channel!")

	bob := dialServer(t, s, "bob")
	bob.send("/join secret")
	bob.expect("Wrong password for channel secret")

	bob.send("/join secret wrong")
	bob.expect("Wrong password for channel secret")

	bob.send("/join secret hunter2")
	bob.expect("bob joined the channel!")
}

func TestServerNickCollision(t *testing.T) {
	s := startServer(t)

	first := dialServer(t, s, "dave")
	first.send("/create general")
	first.expect("dave joined the channel!")

	second := dialServer(t, s, "dave")
	second.send("/join general")
	second.expect("dave(1) joined the channel!")
}

func TestServerInfoAndList(t *testing.T) {
	s := startServer(t)

	alice := dialServer(t, s, "alice")

	got := alice.expectReply(alice.request("/info"))
	assert.Contains(t, got.Body, "Server: "+s.Addr())
	assert.Contains(t, got.Body, "channels")
	assert.Contains(t, got.Body, "connected users")
	assert.Contains(t, got.Body, "Uptime")

	alice.send("/list")
	alice.expect("No channels in server")

	alice.send("/create general")
	alice.expect("alice joined the channel!")

	bob := dialServer(t, s, "bob")
	bob.send("/list")
	got = bob.expect("Channels:")
	assert.Contains(t, got.Body, "general")
}

func TestServerDuplicateCreate(t *testing.T) {
	s := startServer(t)

	alice := dialServer(t, s, "alice")
	alice.send("/create general")
	alice.expect("alice joined the channel!")

	bob := dialServer(t, s, "bob")
	bob.send("/create general")
	bob.expect("Channel general already exists")

	bob.send("/join nowhere")
	bob.expect("Channel nowhere doesn't exist")
}

func TestServerSurvivesMalformedWhisper(t *testing.T) {
	s := startServer(t)

	alice := dialServer(t, s, "alice")
	alice.send("/create general")
	alice.expect("alice joined the channel!")

	bob := dialServer(t, s, "bob")
	bob.send("/join general")
	bob.expect("bob joined the channel!")

	// Tab separated whisper arguments pass a token count check but not a
	// space split; the loop must shrug it off and keep ticking.
	alice.send("/msg bob\thi")
	alice.send("still alive")
	bob.expect("still alive")
	alice.expect("still alive")
}

func TestServerCommandLeadingWhitespace(t *testing.T) {
	s := startServer(t)

	alice := dialServer(t, s, "alice")
	alice.send("  /list")
	alice.expect("No channels in server")

	alice.send(" /create general")
	alice.expect("alice joined the channel!")
}

func TestServerUnknownCommand(t *testing.T) {
	s := startServer(t)

	alice := dialServer(t, s, "alice")
	alice.send("/frobnicate")
	alice.expect("Command not recognized")

	// Unknown commands inside a channel are rejected the same way.
	alice.send("/create general")
	alice.expect("alice joined the channel!")
	alice.send("/frobnicate")
	alice.expect("Command not recognized")
}

func TestServerInvite(t *testing.T) {
	s := startServer(t)

	alice := dialServer(t, s, "alice")
	alice.send("/create general")
	alice.expect("alice joined the channel!")

	bob := dialServer(t, s, "bob")
	bob.send("/invite alice general")
	alice.expect("You've been invited to general")

	bob.send("/invite ghost general")
	bob.expect("ghost doesn't exist")
}

func TestServerCloseMessage(t *testing.T) {
	s := startServer(t)

	alice := dialServer(t, s, "alice")
	require.Eventually(t, func() bool { return s.userCount() == 1 }, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.conn.WriteMsg(chat.CloseMessage))
	require.Eventually(t, func() bool { return s.userCount() == 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestServerDie(t *testing.T) {
	s := startServer(t)

	alice := dialServer(t, s, "alice")
	alice.send("/die")
	require.Eventually(t, func() bool { return s.quitting.Load() }, 2*time.Second, 20*time.Millisecond)
}

// linkChannels issues /link from operator and waits for the handshake by
// probing until a frame crosses servers.
func linkChannels(t *testing.T, operator, sender, receiver *testClient, channel, peerAddr string) {
	t.Helper()

	operator.send(fmt.Sprintf("/link %s %s", channel, peerAddr))

	for i := 0; i < 20; i++ {
		sender.send(fmt.Sprintf("link-probe-%d", i))
		if receiver.countWithin(200*time.Millisecond, "link-probe-") > 0 {
			return
		}
	}
	t.Fatal("link handshake never completed")
}

func TestServerLinkedChannels(t *testing.T) {
	sA := startServer(t)
	sB := startServer(t)

	alice := dialServer(t, sA, "alice")
	alice.send("/create shared")
	alice.expect("alice joined the channel!")

	bob := dialServer(t, sB, "bob")
	bob.send("/create shared")
	bob.expect("bob joined the channel!")

	opA := dialServer(t, sA, "op")
	linkChannels(t, opA, alice, bob, "shared", sB.Addr())

	// One post, delivered exactly once on each side even though both
	// servers mirror to each other.
	alice.send("across the wire")
	assert.Equal(t, 1, bob.countWithin(600*time.Millisecond, "across the wire"))
	assert.Equal(t, 1, alice.countWithin(600*time.Millisecond, "across the wire"))

	// And the reverse direction over the peer's own edge.
	bob.send("right back")
	assert.Equal(t, 1, alice.countWithin(600*time.Millisecond, "right back"))
	assert.Equal(t, 1, bob.countWithin(600*time.Millisecond, "right back"))
}

func TestServerLinkUnknownChannelRejected(t *testing.T) {
	sA := startServer(t)
	sB := startServer(t)

	alice := dialServer(t, sA, "alice")
	alice.send("/create lonely")
	alice.expect("alice joined the channel!")

	// The peer has no such channel, so the handshake answers with the
	// reserved id and no edge is recorded.
	opA := dialServer(t, sA, "op")
	opA.send("/link lonely " + sB.Addr())
	time.Sleep(300 * time.Millisecond)

	// Even a same named channel created afterwards stays unlinked.
	probe := dialServer(t, sB, "probe")
	probe.send("/create lonely")
	probe.expect("probe joined the channel!")

	alice.send("anyone out there")
	assert.Equal(t, 0, probe.countWithin(500*time.Millisecond, "anyone out there"))
}

func TestServerMigration(t *testing.T) {
	sA := startServer(t)
	sB := startServer(t)

	alice := dialServer(t, sA, "alice")
	alice.send("/create room")
	alice.expect("alice joined the channel!")

	bob := dialServer(t, sB, "bob")
	bob.send("/create room")
	bob.expect("bob joined the channel!")

	opA := dialServer(t, sA, "op")
	linkChannels(t, opA, alice, bob, "room", sB.Addr())

	opA.send(fmt.Sprintf("/migrate room %s", sB.Addr()))

	// Members get the reconnect directive pointing at the new home.
	directive := alice.expect(chat.MigrateFlag)
	assert.Equal(t, chat.TypeControl, directive.Type)
	rec, err := chat.ParseControl(directive.Body)
	require.NoError(t, err)
	assert.Equal(t, "room", rec.Channel)
	assert.Equal(t, sB.Addr(), rec.Addr())

	// The origin channel is gone; its ex-member is back at server scope.
	alice.send("/list")
	alice.expect("No channels in server")
}

func TestServerMigrationUnlinked(t *testing.T) {
	s := startServer(t)

	alice := dialServer(t, s, "alice")
	alice.send("/create room")
	alice.expect("alice joined the channel!")

	op := dialServer(t, s, "op")
	op.send("/migrate room 127.0.0.1:19999")
	op.expect("room is not linked to 127.0.0.1:19999")
}

// request/expectReply pair for commands answered with a single server frame.
func (c *testClient) request(body string) string {
	c.send(body)
	return body
}

func (c *testClient) expectReply(_ string) chat.Message {
	c.t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := c.conn.ReadMsg()
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			c.t.Fatalf("read failed: %v", err)
		}
		if msg.Type == chat.TypeServer {
			return msg
		}
	}
	c.t.Fatal("no server reply")
	return chat.Message{}
}
