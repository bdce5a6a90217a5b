package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sendloop/sendloop/config"
)

// ConfigCmd groups configuration commands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// ConfigShowCmd prints the effective configuration.
var ConfigShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML (secrets redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, v, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := config.Render(v)
		if err != nil {
			return err
		}
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("# loaded from %s\n", used)
		}
		fmt.Print(string(data))
		return nil
	},
}

// ConfigInitCmd writes a default configuration file.
var ConfigInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write sendloop.toml with every default",
	Long: `Write a configuration file holding every default value. An existing file
is rotated into .back1 (keeping up to three backups) before it is replaced.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ConfigFileName
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		pterm.Success.Printf("Wrote %s\n", path)
		pterm.Info.Println("Set secrets through SENDLOOP_AUTH_* environment variables")
		return nil
	},
}

func init() {
	ConfigCmd.AddCommand(ConfigShowCmd)
	ConfigCmd.AddCommand(ConfigInitCmd)
}
