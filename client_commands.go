package dechat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/dechat/chat"
)

// clientCommand handles one input line locally. line is the raw input,
// command token included.
type clientCommand func(c *Client, line string)

// baseTable is the dispatch table with no open connections.
func (c *Client) baseTable() map[string]clientCommand {
	table := map[string]clientCommand{
		"connect": ccConnect,
		"quit":    ccQuitBase,
		"nick":    ccNick,
	}
	if c.uiEnabled {
		table["list_displays"] = ccListDisplays
		table["display"] = ccDisplay
	}
	return table
}

// limboCommands applies when connections exist but none is on display.
var limboCommands = map[string]clientCommand{
	"connect":       ccConnect,
	"nick":          ccNick,
	"quit":          ccQuitLimbo,
	"list_displays": ccListDisplays,
	"display":       ccDisplay,
}

// senderTable is the set of commands intercepted while a display is active.
// Anything else on a slash goes to the server untouched.
func (c *Client) senderTable() map[string]clientCommand {
	table := map[string]clientCommand{
		"connect": ccConnect,
		"quit":    ccQuitActive,
		"reply":   ccReply,
	}
	if c.uiEnabled {
		table["list_displays"] = ccListDisplays
		table["display"] = ccDisplay
	}
	return table
}

func ccConnect(c *Client, line string) {
	fields := chat.Fields(line)
	if len(fields) < 2 {
		c.Printf("Usage: /connect <host[:port]>")
		return
	}

	addr := fields[1]
	if _, _, err := chat.ParseAddr(addr); err != nil {
		addr = fmt.Sprintf("%s:%d", addr, DefaultPort)
	}

	// An optional "#n" picks the display number.
	displayNum := -1
	if len(fields) >= 3 && strings.HasPrefix(fields[2], "#") {
		if n, err := strconv.Atoi(fields[2][1:]); err == nil && n >= 0 {
			displayNum = n
		}
	}

	// Without displays only one connection exists at a time; the old one
	// is torn down before dialing the next.
	if !c.uiEnabled {
		c.mu.Lock()
		current := c.current
		c.mu.Unlock()
		if current != nil {
			current.Enqueue("")
		}
	}

	c.connect(addr, displayNum)
}

func ccNick(c *Client, line string) {
	fields := chat.Fields(line)
	if len(fields) < 2 {
		c.Printf("Usage: /nick <nickname>")
		return
	}
	if len(fields[1]) > chat.MaxNickLength {
		c.Printf("Maximum nickname length is %d", chat.MaxNickLength)
		return
	}
	c.setNickname(fields[1])
	c.Printf("Nickname set to %s", fields[1])
}

func ccQuitBase(c *Client, _ string) {
	c.Stop()
}

func ccQuitLimbo(c *Client, _ string) {
	c.Printf("Display a server to quit it, or close all with EOF")
}

// ccQuitActive leaves the channel when in one, otherwise disconnects the
// displayed server. The channel-scoped /quit still goes to the server so the
// departure is announced there.
func ccQuitActive(c *Client, line string) {
	c.mu.Lock()
	w := c.current
	c.mu.Unlock()
	if w == nil {
		return
	}

	w.mu.Lock()
	inChannel := w.inChannel
	if inChannel {
		w.inChannel = false
		w.confirmedChannel = ""
		w.pendingChannel = ""
	}
	w.mu.Unlock()

	if inChannel {
		w.Enqueue(line)
		return
	}
	w.Enqueue("")
}

// ccReply rewrites "/reply <text>" into a whisper back at whoever whispered
// last on the displayed connection.
func ccReply(c *Client, line string) {
	c.mu.Lock()
	w := c.current
	c.mu.Unlock()
	if w == nil {
		return
	}

	w.mu.Lock()
	target := w.lastWhisperer
	w.mu.Unlock()
	if target == "" {
		c.Printf("Nobody has whispered to you yet")
		return
	}

	_, text, _ := strings.Cut(strings.TrimSpace(line), " ")
	if strings.TrimSpace(text) == "" {
		c.Printf("Usage: /reply <message>")
		return
	}
	w.Enqueue(fmt.Sprintf("/msg %s %s", target, text))
}

func ccListDisplays(c *Client, _ string) {
	c.listDisplays()
}

func ccDisplay(c *Client, line string) {
	fields := chat.Fields(line)
	if len(fields) < 2 {
		c.Printf("Usage: /display <number>")
		return
	}

	num, err := strconv.Atoi(fields[1])
	if err != nil || num < 0 {
		c.Printf("Display numbers are non-negative integers")
		return
	}
	c.changeDisplay(num)
}
