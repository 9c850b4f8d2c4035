// cmd/completion.go
package cmd

import (
	"io"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Prints a completion script for sentryal's commands and flags
(worker, migrate, job, workers and their --database-url, --redis-url,
--stream overrides).

Load it for the current shell:

  bash:        source <(sentryal completion bash)
  zsh:         source <(sentryal completion zsh)
  fish:        sentryal completion fish | source
  powershell:  sentryal completion powershell | Out-String | Invoke-Expression

Worker hosts usually install it once instead:

  sentryal completion bash > /etc/bash_completion.d/sentryal
  sentryal completion zsh > "${fpath[1]}/_sentryal"
  sentryal completion fish > ~/.config/fish/completions/sentryal.fish
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeCompletion(cmd.Root(), args[0], cmd.OutOrStdout())
	},
}

func writeCompletion(root *cobra.Command, shell string, w io.Writer) error {
	switch shell {
	case "bash":
		return root.GenBashCompletionV2(w, true)
	case "zsh":
		return root.GenZshCompletion(w)
	case "fish":
		return root.GenFishCompletion(w, true)
	default:
		return root.GenPowerShellCompletionWithDesc(w)
	}
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
