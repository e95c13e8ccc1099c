package chat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// MessageType is the 2 bit frame type.
type MessageType uint8

const (
	// TypeChannel is a post for every member of the frame's channel.
	TypeChannel MessageType = 0b00
	// TypeServer is a control reply to a single connection.
	TypeServer MessageType = 0b01
	// TypeControl carries server to server link/unlink/migrate records.
	TypeControl MessageType = 0b10
	// TypeRelay is a channel post mirrored between linked servers.
	TypeRelay MessageType = 0b11
)

func (t MessageType) String() string {
	switch t {
	case TypeChannel:
		return "channel"
	case TypeServer:
		return "server"
	case TypeControl:
		return "control"
	case TypeRelay:
		return "relay"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrBodyTooLong    = errors.New("message body exceeds 16383 bytes")
	ErrBadType        = errors.New("message type must fit in 2 bits")
)

// Message is one frame on the wire. It is a comparable value so frame
// equality, used as the relay dedup key, is componentwise.
type Message struct {
	ChannelID uint16
	Nickname  string
	Timestamp uint32
	Type      MessageType
	Body      string
}

// CloseMessage is the all zero frame a client sends to end its connection.
var CloseMessage = Message{}

// IsClose reports whether m is the close sentinel.
func (m Message) IsClose() bool {
	return m == CloseMessage
}

// EncodeTypeLength packs the 2 type bits and 14 length bits into one word.
// The type occupies the low bits so it lands first in little endian order.
func EncodeTypeLength(t MessageType, length int) (uint16, error) {
	if t > 0b11 {
		return 0, ErrBadType
	}
	if length < 0 || length > MaxBodyLength {
		return 0, ErrBodyTooLong
	}
	return uint16(length)<<2 | uint16(t), nil
}

// DecodeTypeLength splits a type/length word into its components.
func DecodeTypeLength(v uint16) (MessageType, int) {
	return MessageType(v & 0b11), int(v >> 2)
}

// Encode renders the frame in its fixed 40 byte header wire layout.
// The nickname field is zero padded, and truncated when it does not fit:
// whisper frames carry "sender -> target" which may exceed 32 bytes.
func (m Message) Encode() ([]byte, error) {
	tl, err := EncodeTypeLength(m.Type, len(m.Body))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize+len(m.Body))
	binary.LittleEndian.PutUint16(buf[0:2], m.ChannelID)

	nick := m.Nickname
	if len(nick) > NicknameFieldSize {
		nick = nick[:NicknameFieldSize]
	}
	copy(buf[2:34], nick)

	binary.LittleEndian.PutUint32(buf[34:38], m.Timestamp)
	binary.LittleEndian.PutUint16(buf[38:40], tl)
	copy(buf[40:], m.Body)
	return buf, nil
}

// Decode parses a frame from data. Data shorter than the fixed header is
// invalid. A body longer than the encoded length is cut, shorter is invalid.
func Decode(data []byte) (Message, error) {
	if len(data) < HeaderSize {
		return Message{}, ErrInvalidMessage
	}

	typ, length := DecodeTypeLength(binary.LittleEndian.Uint16(data[38:40]))
	if len(data) < HeaderSize+length {
		return Message{}, fmt.Errorf("body truncated, want %d bytes: %w", length, ErrInvalidMessage)
	}

	return Message{
		ChannelID: binary.LittleEndian.Uint16(data[0:2]),
		Nickname:  strings.Trim(string(data[2:34]), "\x00"),
		Timestamp: binary.LittleEndian.Uint32(data[34:38]),
		Type:      typ,
		Body:      string(data[HeaderSize : HeaderSize+length]),
	}, nil
}

// IsWhisper reports whether the nickname field carries a "sender -> target"
// pair instead of a plain nickname.
func (m Message) IsWhisper() bool {
	return strings.Contains(m.Nickname, "->")
}

// Whisperer returns the sender part of a whisper nickname field.
func (m Message) Whisperer() string {
	sender, _, _ := strings.Cut(m.Nickname, "->")
	return strings.TrimSpace(sender)
}

// Format renders the frame for terminal display:
//
//	[12:30:45]            alice| hello
//
// Whispers separate with ":" and server scoped frames show "*" as sender.
// Continuation lines of multiline bodies are indented under the first.
func (m Message) Format() string {
	sep := NickSeparator
	if m.IsWhisper() {
		sep = ":"
	}

	nick := m.Nickname
	if m.Type == TypeServer {
		nick = ChannelNick
	}

	const nickWidth = MaxNickLength*2 + 2
	if len(nick) < nickWidth {
		nick = strings.Repeat(" ", nickWidth-len(nick)) + nick
	}

	var sb strings.Builder
	sb.WriteString(FormatClock(m.Timestamp))
	sb.WriteString(nick)
	sb.WriteString(sep)
	for i, line := range strings.Split(m.Body, "\n") {
		if i > 0 {
			sb.WriteString("\n")
			sb.WriteString(strings.Repeat(" ", nickWidth+10))
			sb.WriteString(sep)
		}
		sb.WriteString(" ")
		sb.WriteString(line)
	}
	return sb.String()
}

func (m Message) String() string {
	return fmt.Sprintf("%d|%s|%d|%s|%d|%s", m.ChannelID, m.Nickname, m.Timestamp, m.Type, len(m.Body), m.Body)
}
