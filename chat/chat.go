package chat

const (
	// ServerChannelID is the reserved channel id for server scoped replies.
	ServerChannelID uint16 = 0xFFFF

	MaxNickLength = 15
	MaxPortValue  = 65535

	// MaxBodyLength is the largest payload the 14 length bits can carry.
	MaxBodyLength = 0x3FFF

	// NicknameFieldSize is the fixed size of the nickname field on the wire.
	NicknameFieldSize = 32

	// HeaderSize is the fixed frame header: id(2) + nickname(32) + ts(4) + type/len(2).
	HeaderSize = 40

	// ChannelNick is the sender used for channel announcements.
	ChannelNick = "*"

	// NickSeparator separates nickname and body in the display format.
	NickSeparator = "|"
)

// Sep is the field separator of control record payloads (ASCII Unit Separator).
const Sep = "\x1f"

// Control record tags carried in TypeControl frames.
const (
	LinkFlag     = "--link"
	UnlinkFlag   = "--unlink"
	ResponseFlag = "--response"
	MigrateFlag  = "--migrate"
)
