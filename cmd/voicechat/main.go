// Command voicechat holds a live voice conversation with a realtime model
// using the default microphone and speaker.
//
// Usage:
//
//	voicechat [flags]
//	voicechat profile [name]
//
// Configuration is read from the environment and an optional .env file.
// Type a line on stdin to send it as a text turn; /stats prints session
// statistics and /quit ends the conversation.
package main

import (
	"fmt"
	"os"

	"github.com/lexiqai/realtime-voice/cmd/voicechat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
