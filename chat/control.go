package chat

import (
	"fmt"
	"strconv"
	"strings"
)

// ControlRecord is the payload of a TypeControl frame: a tag plus the
// (channel, host, port) triple identifying one end of a link.
type ControlRecord struct {
	Tag     string
	Channel string
	Host    string
	Port    int
}

// ParseControl parses a Sep separated control payload.
func ParseControl(body string) (ControlRecord, error) {
	fields := strings.Split(body, Sep)
	if len(fields) < 4 {
		return ControlRecord{}, fmt.Errorf("control record needs 4 fields, got %d", len(fields))
	}

	switch fields[0] {
	case LinkFlag, UnlinkFlag, ResponseFlag, MigrateFlag:
	default:
		return ControlRecord{}, fmt.Errorf("unknown control tag %q", fields[0])
	}

	port, err := strconv.Atoi(fields[3])
	if err != nil || port < 0 || port > MaxPortValue {
		return ControlRecord{}, fmt.Errorf("bad control port %q", fields[3])
	}

	return ControlRecord{
		Tag:     fields[0],
		Channel: fields[1],
		Host:    fields[2],
		Port:    port,
	}, nil
}

// Encode renders the record as a control frame payload.
func (r ControlRecord) Encode() string {
	return strings.Join([]string{r.Tag, r.Channel, r.Host, strconv.Itoa(r.Port)}, Sep)
}

// Addr returns the record's host:port.
func (r ControlRecord) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
