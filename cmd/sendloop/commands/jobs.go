package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/jobs"
)

// JobsCmd groups job inspection commands.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List and cancel scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JobsLsCmd lists jobs.
var JobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	Long: `List jobs, newest scheduled first, optionally filtered.

Examples:
  sendloop jobs ls
  sendloop jobs ls --status failed
  sendloop jobs ls --workflow wf-birthday --limit 10`,
	RunE: runJobsLs,
}

// JobsCancelCmd deletes a pending job.
var JobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var (
	jobsStatus   string
	jobsWorkflow string
	jobsLimit    int
)

func init() {
	JobsLsCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status (pending, running, completed, failed)")
	JobsLsCmd.Flags().StringVar(&jobsWorkflow, "workflow", "", "Filter by workflow id")
	JobsLsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum jobs to show")

	JobsCmd.AddCommand(JobsLsCmd)
	JobsCmd.AddCommand(JobsCancelCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	list, err := e.jobs.List(cmd.Context(), jobs.Filter{
		Status:     jobs.Status(jobsStatus),
		WorkflowID: jobsWorkflow,
		Limit:      jobsLimit,
	})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}

	data := pterm.TableData{{"JOB ID", "WORKFLOW", "STATUS", "SCHEDULED", "RETRIES", "SOURCE", "LAST ERROR"}}
	for _, j := range list {
		data = append(data, []string{
			j.ID,
			j.WorkflowID,
			string(j.Status),
			e.tz.ToLocal(j.ScheduledTime).Format("2006-01-02 15:04"),
			fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries),
			string(j.TriggerSource),
			truncate(j.LastError, 40),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}

	stats, err := e.jobs.Stats(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("\nShowing %d job(s). pending %d, running %d, completed %d, failed %d\n",
		len(list), stats.Pending, stats.Running, stats.Completed, stats.Failed)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	job, err := e.jobs.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	ok, err := e.jobs.CancelPending(cmd.Context(), job.ID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewConflictError("job %s is %s; only pending jobs can be cancelled", job.ID, job.Status)
	}
	pterm.Success.Printf("Cancelled job %s (workflow %s)\n", job.ID, job.WorkflowID)
	return nil
}
