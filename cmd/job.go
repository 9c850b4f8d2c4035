// cmd/job.go
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentryal/sentryal-insar/internal/queue"
	"github.com/sentryal/sentryal-insar/internal/store"
	"github.com/sentryal/sentryal-insar/internal/ui"
)

var jobJSON bool

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and manage processing jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list <infrastructure-id>",
	Short: "List an infrastructure's jobs, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer store.Close(db)

		list, err := store.NewJobStore(db).ListByInfrastructure(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jobJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			ui.NewStatusLine(nil).Info("No jobs")
			return nil
		}
		rows := make([][]string, len(list))
		for i, j := range list {
			rows[i] = []string{j.ID, string(j.Status), fmt.Sprint(j.RetryCount), j.CreatedAt.Format(time.DateTime), deref(j.ExternalJobID)}
		}
		ui.NewStatusLine(nil).Table([]string{"ID", "STATUS", "RETRIES", "CREATED", "EXTERNAL ID"}, rows)
		return nil
	},
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and how many measurements it produced",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer store.Close(db)

		ctx := cmd.Context()
		job, err := store.NewJobStore(db).Get(ctx, args[0])
		if err != nil {
			return err
		}
		if jobJSON {
			return printJSON(job)
		}
		count, err := store.NewDeformationStore(db).CountByJob(ctx, job.ID)
		if err != nil {
			return err
		}

		sl := ui.NewStatusLine(nil)
		sl.Field("Job", job.ID)
		sl.Field("Status", ui.StatusColor(string(job.Status)))
		sl.Field("External ID", deref(job.ExternalJobID))
		sl.Field("Retries", fmt.Sprint(job.RetryCount))
		sl.Field("Created", job.CreatedAt.Format(time.RFC3339))
		if job.CompletedAt != nil {
			sl.Field("Completed", job.CompletedAt.Format(time.RFC3339))
		}
		if job.ProcessingTimeMs != nil {
			sl.Field("Duration", ui.FormatDuration(time.Duration(*job.ProcessingTimeMs)*time.Millisecond))
		}
		if job.ErrorMessage != nil {
			sl.Field("Error", *job.ErrorMessage)
		}
		if urls := job.URLs(); len(urls) > 0 {
			sl.Field("Results", strings.Join(urls, "\n                "))
		}
		sl.Field("Measurements", fmt.Sprint(count))
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a PENDING or PROCESSING job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer store.Close(db)

		job, err := store.NewJobStore(db).Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		ui.NewStatusLine(nil).Success(fmt.Sprintf("Job %s cancelled", job.ID))
		return nil
	},
}

var jobEnqueueCmd = &cobra.Command{
	Use:   "enqueue <job-id>",
	Short: "Dispatch a non-terminal job again",
	Long: `Dispatches a PENDING or PROCESSING job to the workers. Does nothing when
the job already has a live dispatch.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer store.Close(db)

		ctx := cmd.Context()
		job, err := store.NewJobStore(db).Get(ctx, args[0])
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, store.ErrStateConflict)
		}

		client, err := dialRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		ok, err := newQueue(client, cfg, "").Enqueue(ctx, queue.DispatchMessage{
			JobID:            job.ID,
			ExternalJobID:    job.ExternalJobID,
			InfrastructureID: job.InfrastructureID,
		}, cfg.RetryPolicy())
		if err != nil {
			return err
		}
		sl := ui.NewStatusLine(nil)
		if !ok {
			sl.Warning(fmt.Sprintf("Job %s is already queued", job.ID))
			return nil
		}
		sl.Success(fmt.Sprintf("Job %s dispatched", job.ID))
		return nil
	},
}

var jobQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show dispatch queue depth",
	Args:  cobra.NoArgs,
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

		q := newQueue(client, cfg, "")
		stats, err := q.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if jobJSON {
			return printJSON(stats)
		}
		sl := ui.NewStatusLine(nil)
		sl.Field("Stream", q.Stream())
		sl.Field("Entries", fmt.Sprint(stats.Stream))
		sl.Field("Pending", fmt.Sprint(stats.Pending))
		sl.Field("Delayed", fmt.Sprint(stats.Delayed))
		sl.Field("Dead letter", fmt.Sprint(stats.DLQ))
		return nil
	},
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobListCmd, jobShowCmd, jobCancelCmd, jobEnqueueCmd, jobQueueCmd)

	jobCmd.PersistentFlags().BoolVar(&jobJSON, "json", false, "Print raw JSON")
}
