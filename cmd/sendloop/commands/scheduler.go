package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sendloop/sendloop/executor"
)

// PollCmd executes due jobs once.
var PollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Execute due jobs once",
	Long: `Claim and execute every pending job whose scheduled time has passed,
then record a poll signal for health monitoring. Suitable for driving
sendloop from the system cron instead of HTTP.

Examples:
  sendloop poll
  sendloop poll --dry-run -vv`,
	RunE: runPoll,
}

// RegisterCmd reconciles recurring jobs.
var RegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Reconcile recurring jobs for all active workflows",
	Long: `Ensure every active recurring workflow has exactly one pending job for
its next occurrence. Safe to run repeatedly.`,
	RunE: runRegister,
}

// CleanupCmd force-fails stuck jobs.
var CleanupCmd = &cobra.Command{
	Use:   "cleanup [job-id]",
	Short: "Force-fail jobs stuck in running",
	Long: `Mark running jobs as failed. Without an id, jobs running for longer than
--older-than (default scheduler.stuck_after_minutes) are failed. With an id,
that job is failed regardless of age.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCleanup,
}

var (
	pollDryRun       bool
	cleanupOlderThan time.Duration
)

func init() {
	PollCmd.Flags().BoolVar(&pollDryRun, "dry-run", false, "Log executions instead of calling the execution service")
	CleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "Minimum running time (e.g. 45m)")
}

func runPoll(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	poll, _, err := e.pollTrigger(pollDryRun)
	if err != nil {
		return err
	}
	sum, err := poll.Run(cmd.Context(), "sendloop-cli")
	if err != nil {
		return err
	}
	printSummary(sum)
	return nil
}

func printSummary(sum executor.Summary) {
	if sum.Total == 0 {
		pterm.Info.Println("No due jobs")
		return
	}
	data := pterm.TableData{{"JOB ID", "WORKFLOW", "OUTCOME", "RETRIES", "DETAIL"}}
	for _, r := range sum.Results {
		detail := r.Error
		if detail == "" {
			detail = r.Message
		}
		data = append(data, []string{r.JobID, r.WorkflowID, string(r.Outcome), fmt.Sprint(r.RetryCount), truncate(detail, 60)})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	pterm.Success.Printf("%d job(s): %d executed, %d retried, %d failed, %d skipped in %dms\n",
		sum.Total, sum.Executed, sum.Retried, sum.Failed, sum.Skipped, sum.DurationMS)
}

func runRegister(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	sum, err := e.registrar().ReconcileAll(cmd.Context())
	if err != nil {
		return err
	}

	data := pterm.TableData{{"WORKFLOW", "ACTION", "NEXT", "REASON"}}
	for _, r := range sum.Results {
		next := ""
		if r.ScheduledTime != nil {
			next = e.tz.ToLocal(*r.ScheduledTime).Format("2006-01-02 15:04 MST")
		}
		data = append(data, []string{r.WorkflowID, string(r.Action), next, r.Reason})
	}
	if len(sum.Results) > 0 {
		_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}
	for _, msg := range sum.Errors {
		pterm.Error.Println(msg)
	}
	pterm.Success.Printf("created %d, replaced %d, skipped %d, failed %d\n",
		sum.Created, sum.Replaced, sum.Skipped, sum.Failed)
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	run, err := e.runner(true)
	if err != nil {
		return err
	}
	exec := e.executor(run, e.registrar())

	jobID := ""
	if len(args) == 1 {
		jobID = args[0]
	}
	res, err := exec.ForceCleanup(cmd.Context(), jobID, cleanupOlderThan)
	if err != nil {
		return err
	}
	if res.Count == 0 {
		pterm.Info.Println("No stuck jobs")
		return nil
	}
	for _, id := range res.JobIDs {
		fmt.Println(id)
	}
	pterm.Success.Printf("Force-failed %d job(s)\n", res.Count)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
