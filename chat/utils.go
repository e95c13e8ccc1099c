package chat

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseAddr parses host:port. The last colon separated token must be a valid
// port, anything before it is the host (IPv6 literals keep their colons).
func ParseAddr(addr string) (host string, port int, err error) {
	ind := strings.LastIndex(addr, ":")
	if ind < 0 {
		return "", 0, fmt.Errorf("%q missing port", addr)
	}

	host = addr[:ind]
	port, err = strconv.Atoi(addr[ind+1:])
	if err != nil {
		return "", 0, fmt.Errorf("%q bad port: %w", addr, err)
	}
	if port < 0 || port > MaxPortValue {
		return "", 0, fmt.Errorf("port %d out of range", port)
	}
	return host, port, nil
}

// Fields splits user input on whitespace dropping empty tokens.
func Fields(s string) []string {
	return strings.Fields(s)
}

// FormatClock renders a frame timestamp as "[HH:MM:SS]" local time.
func FormatClock(ts uint32) string {
	return time.Unix(int64(ts), 0).Format("[15:04:05]")
}

// FormatTimePeriod renders an uptime like
// "2 hours, 5 minutes and 10 seconds (7510 seconds)".
func FormatTimePeriod(d time.Duration) string {
	total := int64(d.Seconds())

	secs := total % 60
	mins := total / 60 % 60
	hours := total / 3600 % 24
	days := total / 86400

	var res string
	switch {
	case days != 0:
		res = fmt.Sprintf("%d days, %d hours, %d minutes and %d seconds", days, hours, mins, secs)
	case hours != 0:
		res = fmt.Sprintf("%d hours, %d minutes and %d seconds", hours, mins, secs)
	case mins != 0:
		res = fmt.Sprintf("%d minutes and %d seconds", mins, secs)
	default:
		return fmt.Sprintf("%d seconds", secs)
	}

	return fmt.Sprintf("%s (%d seconds)", res, total)
}
