package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quarryql/quarryql/internal/cli/commands"
)

var (
	// Version is set at build time via -ldflags.
	Version = "0.1.0"
)

var cfgFile string

// NewRootCmd builds the quarryql root command and every subcommand the CLI
// surface exposes.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quarryql",
		Short: "QuarryQL — a SQL-driven data transformation engine",
		Long: `QuarryQL compiles a directory of SQL model definitions into a scheduled,
idempotent, partial-failure-tolerant execution plan against an analytical
warehouse.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return nil },
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./quarryql.yaml)")
	root.PersistentFlags().String("models-dir", "", "path to the models directory")
	root.PersistentFlags().String("sources-file", "", "path to the sources catalogue (sources.yml)")
	root.PersistentFlags().String("state-path", "", "path to the state database")
	root.PersistentFlags().StringP("env", "e", "", "target environment name")
	root.PersistentFlags().String("driver-kind", "", "warehouse driver (postgres|duckdb)")
	root.PersistentFlags().String("driver-dsn", "", "driver connection string")
	root.PersistentFlags().Int("pool-size", 0, "connection pool size")
	root.PersistentFlags().Int("retry-attempts", 0, "per-model retry attempts on transient failure")
	root.PersistentFlags().BoolP("verbose", "v", false, "debug-level logging")

	_ = root.RegisterFlagCompletionFunc("driver-kind", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"postgres", "duckdb"}, cobra.ShellCompDirectiveNoFileComp
	})

	root.AddCommand(commands.NewRunCommand(&cfgFile))
	root.AddCommand(commands.NewRunAllCommand(&cfgFile))
	root.AddCommand(commands.NewPlanCommand(&cfgFile))
	root.AddCommand(commands.NewValidateCommand(&cfgFile))
	root.AddCommand(commands.NewTestCommand(&cfgFile))
	root.AddCommand(commands.NewListCommand(&cfgFile))
	root.AddCommand(commands.NewDepsCommand(&cfgFile))
	root.AddCommand(commands.NewLineageCommand(&cfgFile))
	root.AddCommand(commands.NewServeCommand(&cfgFile))

	return root
}

// Execute runs the root command, returning the process exit code: 0 all
// success, 1 at least one model failed, 2 configuration or
// compile error.
func Execute() int {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		if code, ok := commands.AsExitCode(err); ok {
			if code != 1 {
				// Code 1 ("at least one model failed") is already fully
				// reported in the run summary; anything else is a
				// configuration/compile error worth an extra line.
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			return code
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	return 0
}
