// Command recurq runs recurring maintenance and probe jobs declared in a
// config file.
//
// Usage:
//
//	recurq run   --config ./config.yaml
//	recurq check --config ./config.yaml [--at 2024-05-01T12:00:00Z] [--json]
//	recurq version
package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

// version is set via ldflags.
var version = "dev"

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "recurq",
		Short:         "recurq schedules recurring jobs from its config file",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json, yaml or toml)")

	cfgFn := func() string { return cfgPath }
	rootCmd.AddCommand(
		newRunCmd(cfgFn),
		newCheckCmd(cfgFn),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
