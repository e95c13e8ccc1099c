package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emiago/dechat/chat"
)

// connPair builds a connected client/server TCP pair on an ephemeral port.
func connPair(t *testing.T) (client, server *Conn) {
	t.Helper()

	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- nc
	}()

	client, err = Dial(l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case nc := <-accepted:
		server = NewConn(nc)
		t.Cleanup(func() { server.Close() })
	case <-time.After(time.Second):
		t.Fatal("accept timed out")
	}
	return client, server
}

func TestConnReadWrite(t *testing.T) {
	client, server := connPair(t)
	server.SetReadTimeout(time.Second)

	msg := chat.Message{
		ChannelID: 7,
		Nickname:  "alice",
		Timestamp: 1700000000,
		Type:      chat.TypeChannel,
		Body:      "hello over tcp",
	}
	require.NoError(t, client.WriteMsg(msg))

	got, err := server.ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestConnReadTimeout(t *testing.T) {
	client, _ := connPair(t)
	client.SetReadTimeout(20 * time.Millisecond)

	_, err := client.ReadMsg()
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestConnEmptyBody(t *testing.T) {
	client, server := connPair(t)
	server.SetReadTimeout(time.Second)

	require.NoError(t, client.WriteMsg(chat.CloseMessage))

	got, err := server.ReadMsg()
	require.NoError(t, err)
	assert.True(t, got.IsClose())
}

func TestConnWriteAfterPeerClose(t *testing.T) {
	client, server := connPair(t)
	require.NoError(t, server.Close())
	time.Sleep(20 * time.Millisecond)

	// Writes against a dead peer are best effort: the first may land in the
	// kernel buffer, later ones hit the reset. Both are swallowed.
	msg := chat.Message{Type: chat.TypeChannel, Body: "into the void"}
	for i := 0; i < 3; i++ {
		assert.NoError(t, client.WriteMsg(msg))
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnWriteAfterOwnClose(t *testing.T) {
	client, _ := connPair(t)
	require.NoError(t, client.Close())

	assert.NoError(t, client.WriteMsg(chat.Message{Type: chat.TypeChannel, Body: "late"}))
}

func TestConnSequentialFrames(t *testing.T) {
	client, server := connPair(t)
	server.SetReadTimeout(time.Second)

	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, client.WriteMsg(chat.Message{Type: chat.TypeChannel, Body: body}))
	}

	// Stream framing keeps frame boundaries intact.
	for _, body := range []string{"one", "two", "three"} {
		got, err := server.ReadMsg()
		require.NoError(t, err)
		assert.Equal(t, body, got.Body)
	}
}
