package commands

import (
	"github.com/spf13/cobra"
)

var (
	agentID        string
	conversationID string
	profileName    string
	bargeIn        bool
	logLevel       string
)

var rootCmd = &cobra.Command{
	Use:   "voicechat",
	Short: "Talk to a realtime voice agent",
	Long: `voicechat - a duplex voice conversation with a realtime model.

Audio is captured from the default microphone and the agent's reply is
played on the default speaker. The microphone is muted while the agent
speaks unless --barge-in is set.

Credentials come from either TOKEN_ENDPOINT (with AUTH_TOKEN) or
OPENAI_API_KEY. See .env.example for every setting.

Examples:
  # Talk to the default agent with an API key
  OPENAI_API_KEY=sk-... voicechat

  # Use the admin profile and allow interrupting the agent
  voicechat --profile admin --barge-in

  # Continue a stored conversation through the token endpoint
  voicechat --agent 42 --conversation 7f3c`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runChat,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().StringVar(&agentID, "agent", "", "agent id sent to the token endpoint (overrides AGENT_ID)")
	rootCmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id to continue (overrides CONVERSATION_ID)")
	rootCmd.Flags().StringVarP(&profileName, "profile", "p", "", "builtin profile name or YAML path (overrides AGENT_PROFILE)")
	rootCmd.Flags().BoolVar(&bargeIn, "barge-in", false, "keep the microphone open while the agent speaks")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")

	rootCmd.AddCommand(profileCmd)
}
