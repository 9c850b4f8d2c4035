// cmd/workers.go
package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentryal/sentryal-insar/internal/heartbeat"
	"github.com/sentryal/sentryal-insar/internal/ui"
)

var workersJSON bool

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List live workers from their heartbeats",
	Long: `Shows every worker whose heartbeat has not expired, with its host load and
delivery counters.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		client, err := dialRedis(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		list, err := heartbeat.List(cmd.Context(), client)
		if err != nil {
			return err
		}
		if workersJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			ui.NewStatusLine(nil).Warning("No live workers")
			return nil
		}
		sort.Slice(list, func(i, j int) bool { return list[i].WorkerID < list[j].WorkerID })

		now := time.Now()
		rows := make([][]string, len(list))
		for i, w := range list {
			rows[i] = []string{
				w.WorkerID,
				w.System.Hostname,
				fmt.Sprintf("%.1f%%", w.System.CPUPercent),
				fmt.Sprintf("%.1f%%", w.System.MemoryPercent),
				fmt.Sprint(w.InFlight),
				fmt.Sprint(w.Processed),
				fmt.Sprint(w.Failed),
				lastSeen(w.Timestamp, now),
			}
		}
		ui.NewStatusLine(nil).Table([]string{"WORKER", "HOST", "CPU", "MEM", "IN-FLIGHT", "PROCESSED", "FAILED", "LAST SEEN"}, rows)
		return nil
	},
}

// lastSeen renders a heartbeat timestamp relative to now.
func lastSeen(ts string, now time.Time) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return "-"
	}
	return ui.FormatDuration(now.Sub(t).Round(time.Second)) + " ago"
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.Flags().BoolVar(&workersJSON, "json", false, "Print raw JSON")
}
