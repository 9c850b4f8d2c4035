// cmd/version.go
package cmd

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sentryal/sentryal-insar/internal/processor"
)

// Version will be set at build time
var Version = "dev"

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sentryal version and the processor schemas it understands",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if versionShort {
			fmt.Println(Version)
			return
		}
		info, _ := debug.ReadBuildInfo()
		for _, line := range versionLines(Version, info) {
			fmt.Println(line)
		}
	},
}

// versionLines renders the release, the build it came from and the
// processor result schemas this binary can ingest.
func versionLines(v string, info *debug.BuildInfo) []string {
	lines := []string{"Sentryal version " + v}
	if info != nil {
		build := info.GoVersion
		var rev, modified string
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				rev = s.Value
			case "vcs.modified":
				modified = s.Value
			}
		}
		if rev != "" {
			if len(rev) > 12 {
				rev = rev[:12]
			}
			if modified == "true" {
				rev += "-dirty"
			}
			build += ", commit " + rev
		}
		lines = append(lines, "  Build:   "+build)
	}
	lines = append(lines, "  Results: schema "+strings.Join(processor.SupportedSchemas(), " | "))
	return lines
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Print only the version number")
}
