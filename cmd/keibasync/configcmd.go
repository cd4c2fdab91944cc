package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the merged configuration: defaults, then the config file, then
KEIBASYNC_* environment overrides. The vendor password is masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		_, f, err := loadConfig()
		if err != nil {
			fail("%v", err)
		}

		if used := f.Used(); used != "" {
			fmt.Fprintf(os.Stderr, "# from %s\n", used)
		} else {
			fmt.Fprintln(os.Stderr, "# defaults and environment only")
		}

		out, err := yaml.Marshal(f.Settings())
		if err != nil {
			fail("%v", err)
		}
		fmt.Print(string(out))
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
