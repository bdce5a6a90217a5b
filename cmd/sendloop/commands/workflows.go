package commands

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/logger"
	"github.com/sendloop/sendloop/trigger"
	"github.com/sendloop/sendloop/workflow"
)

// WorkflowsCmd groups workflow definition commands.
var WorkflowsCmd = &cobra.Command{
	Use:     "workflows",
	Aliases: []string{"wf"},
	Short:   "Import, list and change workflow definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// WorkflowsImportCmd loads definitions from YAML.
var WorkflowsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import workflow definitions and sync their jobs",
	Long: `Upsert every workflow in a YAML file, then sync each one: active
recurring workflows get their next occurrence, inactive ones lose their
pending jobs.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflowsImport,
}

// WorkflowsLsCmd lists definitions.
var WorkflowsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List workflows",
	RunE:  runWorkflowsLs,
}

// WorkflowsSetStatusCmd changes a workflow's lifecycle status.
var WorkflowsSetStatusCmd = &cobra.Command{
	Use:   "set-status <workflow-id> <draft|active|paused|archived>",
	Short: "Change a workflow's status and sync its jobs",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkflowsSetStatus,
}

var workflowsStatus string

func init() {
	WorkflowsLsCmd.Flags().StringVar(&workflowsStatus, "status", "", "Filter by status")

	WorkflowsCmd.AddCommand(WorkflowsImportCmd)
	WorkflowsCmd.AddCommand(WorkflowsLsCmd)
	WorkflowsCmd.AddCommand(WorkflowsSetStatusCmd)
}

// syncer builds a manual trigger for lifecycle syncs. Sync never executes,
// so the executor behind it uses the dry-run runner.
func (e *env) syncer() (*trigger.ManualTrigger, error) {
	run, err := e.runner(true)
	if err != nil {
		return nil, err
	}
	reg := e.registrar()
	return trigger.NewManualTrigger(e.workflows, reg, e.executor(run, reg), logger.ComponentLogger("manual")), nil
}

func runWorkflowsImport(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", args[0])
	}
	defer f.Close()

	imported, err := workflow.ImportYAML(cmd.Context(), e.workflows, f, e.clock.Now())
	if err != nil {
		return err
	}

	sync, err := e.syncer()
	if err != nil {
		return err
	}
	for _, w := range imported {
		out, err := sync.Sync(cmd.Context(), w.ID)
		if err != nil {
			pterm.Error.Printf("%s: %v\n", w.ID, err)
			continue
		}
		printSync(out)
	}
	pterm.Success.Printf("Imported %d workflow(s)\n", len(imported))
	return nil
}

func printSync(out trigger.SyncOutcome) {
	switch {
	case out.Registration != nil && out.Registration.Reason != "":
		pterm.Info.Printf("%s (%s): %s, %s\n", out.WorkflowID, out.Status, out.Registration.Action, out.Registration.Reason)
	case out.Registration != nil:
		pterm.Info.Printf("%s (%s): %s\n", out.WorkflowID, out.Status, out.Registration.Action)
	default:
		pterm.Info.Printf("%s (%s): cancelled %d pending job(s)\n", out.WorkflowID, out.Status, out.Cancelled)
	}
}

func runWorkflowsLs(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	list, err := e.workflows.List(cmd.Context(), workflow.Status(workflowsStatus))
	if err != nil {
		return err
	}
	if len(list) == 0 {
		pterm.Info.Println("No workflows found")
		return nil
	}

	data := pterm.TableData{{"ID", "NAME", "STATUS", "TRIGGER", "SCHEDULE", "DETAIL"}}
	for _, w := range list {
		data = append(data, []string{
			w.ID,
			truncate(w.Name, 30),
			string(w.Status),
			string(w.TriggerType),
			string(w.Schedule.Type),
			scheduleDetail(w),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func scheduleDetail(w *workflow.Workflow) string {
	switch w.Schedule.Type {
	case workflow.ScheduleRecurring:
		if p := w.Schedule.Recurring; p != nil {
			return string(p.Frequency) + " " + p.Time
		}
	case workflow.ScheduleDelay:
		return fmt.Sprintf("%dm after trigger", w.Schedule.DelayMinutes)
	case workflow.ScheduleScheduled:
		if w.Schedule.ScheduledTime != nil {
			return w.Schedule.ScheduledTime.Format("2006-01-02 15:04 MST")
		}
	}
	if w.TriggerType == workflow.TriggerWebhook {
		return "on " + w.Trigger.EventType
	}
	return ""
}

func runWorkflowsSetStatus(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	id, status := args[0], workflow.Status(args[1])
	if err := e.workflows.SetStatus(cmd.Context(), id, status, e.clock.Now()); err != nil {
		return err
	}

	sync, err := e.syncer()
	if err != nil {
		return err
	}
	out, err := sync.Sync(cmd.Context(), id)
	if err != nil {
		return err
	}
	printSync(out)
	return nil
}
