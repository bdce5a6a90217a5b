package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sendloop/sendloop/version"
)

// HealthCmd reports poll driver liveness.
var HealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show poll driver liveness",
	Long: `Report whether the external poll driver is alive: the last poll signal,
how long ago it arrived and the recent signal history.`,
	RunE: runHealth,
}

// VersionCmd prints build information.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		fmt.Println(info.String())
		fmt.Printf("Platform: %s\n", info.Platform)
		fmt.Printf("Go: %s\n", info.GoVersion)
		return nil
	},
}

func init() {
	HealthCmd.Flags().BoolP("json", "j", false, "Output the report as JSON")
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
}

func runHealth(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	rep, err := e.monitor().Summary(cmd.Context(), e.clock.Now())
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		out, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	switch {
	case rep.Healthy:
		pterm.Success.Printf("Poll driver %s\n", rep.Status)
	case rep.LastSignal == nil:
		pterm.Warning.Printf("Poll driver: %s\n", rep.Status)
	default:
		pterm.Error.Printf("Poll driver %s\n", rep.Status)
	}
	if rep.SecondsSinceLastSignal != nil {
		fmt.Printf("Last signal %s ago (window %s)\n",
			time.Duration(*rep.SecondsSinceLastSignal)*time.Second,
			time.Duration(rep.StalenessWindowSeconds)*time.Second)
	}
	if len(rep.RecentSignals) == 0 {
		return nil
	}

	data := pterm.TableData{{"RECEIVED", "CALLER", "OUTCOME", "JOBS", "EXECUTED", "FAILED", "ERROR"}}
	for _, s := range rep.RecentSignals {
		data = append(data, []string{
			e.tz.ToLocal(s.ReceivedAt).Format("2006-01-02 15:04:05"),
			s.Caller,
			string(s.Outcome),
			fmt.Sprint(s.TotalJobs),
			fmt.Sprint(s.ExecutedJobs),
			fmt.Sprint(s.FailedJobs),
			truncate(s.Error, 40),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
