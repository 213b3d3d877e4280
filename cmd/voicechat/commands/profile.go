package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lexiqai/realtime-voice/internal/negotiator"
)

var profileCmd = &cobra.Command{
	Use:   "profile [name|path]",
	Short: "List builtin agent profiles or print one",
	Long: `Without arguments, list the builtin agent profiles.

With a builtin name or a YAML path, load and validate the profile and
print it as YAML.

Examples:
  voicechat profile
  voicechat profile admin
  voicechat profile ./support.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			for _, name := range negotiator.BuiltinProfiles() {
				fmt.Fprintln(out, name)
			}
			return nil
		}

		p, err := negotiator.LoadProfile(args[0])
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("failed to encode profile: %w", err)
		}
		return enc.Close()
	},
}
