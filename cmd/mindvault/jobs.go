package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindvault-ai/mindvault/pkg/client"
)

// newJobsCmd creates the jobs command tree.
func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect background processing jobs",
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsStatusCmd())
	cmd.AddCommand(newJobsWatchCmd())
	cmd.AddCommand(newJobsCancelCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your most recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := api().Jobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(jobs)
			}
			if len(jobs) == 0 {
				info("no jobs")
				return nil
			}
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				rows = append(rows, []string{
					j.ID,
					j.Task,
					j.State,
					strconv.Itoa(j.Progress.Percent) + "%",
					j.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			table([]string{"ID", "TASK", "STATE", "PROGRESS", "CREATED"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show")
	return cmd
}

func newJobsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := api().Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(job)
			}
			printJob(job)
			return nil
		},
	}
}

func newJobsWatchCmd() *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Poll a job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			last := -1
			job, err := api().AwaitJob(cmd.Context(), args[0], every, func(j *client.Job) {
				if outputJSON || j.Progress.Percent == last {
					return
				}
				last = j.Progress.Percent
				msg := j.Progress.Message
				if msg == "" {
					msg = j.State
				}
				info("%3d%% %s", j.Progress.Percent, msg)
			})
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(job)
			}
			if job.State == client.JobSuccess {
				success("job finished")
				return nil
			}
			return fmt.Errorf("job failed: %s", job.Error)
		},
	}
	cmd.Flags().DurationVar(&every, "every", time.Second, "poll interval")
	return cmd
}

func newJobsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().CancelJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			success("cancellation requested for %s", args[0])
			return nil
		},
	}
}

func printJob(j *client.Job) {
	keyValue("id", j.ID)
	keyValue("task", j.Task)
	keyValue("state", j.State)
	keyValue("progress", fmt.Sprintf("%d%% %s", j.Progress.Percent, j.Progress.Message))
	keyValue("attempts", j.Attempts)
	keyValue("created", j.CreatedAt.Local().Format(time.RFC3339))
	if j.FinishedAt != nil {
		keyValue("finished", j.FinishedAt.Local().Format(time.RFC3339))
	}
	if j.Error != "" {
		keyValue("error", j.Error)
	}
	if len(j.Result) > 0 {
		keyValue("result", string(j.Result))
	}
}
