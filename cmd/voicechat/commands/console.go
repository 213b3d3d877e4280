package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/lexiqai/realtime-voice/internal/turn"
	"github.com/lexiqai/realtime-voice/internal/voice"
)

// console renders the conversation as plain text. Assistant transcript
// deltas are streamed on one line that ends with the response.
type console struct {
	out      io.Writer
	midReply bool
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) handle(ev voice.Event) {
	switch ev := ev.(type) {
	case voice.Connected:
		c.endLine()
		fmt.Fprintf(c.out, "* connected to %s (session %s)\n", agentName(ev.Agent), ev.SessionID)

	case voice.TranscriptUpdate:
		if ev.Speaker == turn.SpeakerUser {
			c.endLine()
			fmt.Fprintf(c.out, "you: %s\n", strings.TrimSpace(ev.Text))
			return
		}
		if !c.midReply {
			fmt.Fprint(c.out, "agent: ")
			c.midReply = true
		}
		fmt.Fprint(c.out, ev.Text)

	case voice.ResponseEnd:
		c.endLine()

	case voice.FunctionCall:
		c.endLine()
		fmt.Fprintf(c.out, "* tool call %s(%s)\n", ev.Name, ev.Arguments)

	case voice.ErrorOccurred:
		c.endLine()
		fmt.Fprintf(c.out, "! %v\n", ev.Err)

	case voice.Disconnected:
		c.endLine()
		if ev.Reason != nil {
			fmt.Fprintf(c.out, "* disconnected: %v\n", ev.Reason)
			return
		}
		fmt.Fprintln(c.out, "* disconnected")
	}
}

func (c *console) endLine() {
	if c.midReply {
		fmt.Fprintln(c.out)
		c.midReply = false
	}
}

func agentName(name string) string {
	if name == "" {
		return "agent"
	}
	return name
}
