package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and attaches all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	downFlags := &DownFlags{}
	logFlags := &LogFlags{}
	runFlags := &RunFlags{}
	healthFlags := &HealthFlags{}

	lmctlCommand := command{}

	root := createRootCommand(globalFlags)

	root.AddCommand(
		createUpCommand(lmctlCommand, globalFlags),
		createDownCommand(lmctlCommand, globalFlags, downFlags),
		createPsCommand(lmctlCommand, globalFlags),
		createLogCommand(lmctlCommand, globalFlags, logFlags),
		createRunCommand(lmctlCommand, globalFlags, runFlags),
		createHealthCommand(lmctlCommand, globalFlags, healthFlags),
		createConfigCommand(lmctlCommand, globalFlags),
	)

	return root
}

// createRootCommand creates the root command with the persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "lmctl",
		Short: "Local inference server lifecycle controller",
		Long: `lmctl starts, stops, and monitors the local inference servers
(ollama and mlx) and forwards chat prompts to whichever one is running.

Examples:
  lmctl up ollama                 # start the ollama server
  lmctl ps                        # show both services
  lmctl run ollama "hello there"  # send a prompt
  lmctl down --force mlx          # kill the mlx server immediately`,
		SilenceUsage: true,
		// main prints the returned error once; cobra must not repeat it.
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override log level (debug|info|warn|error)")

	return root
}

// createUpCommand creates the up subcommand.
func createUpCommand(lmctlCommand command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "up [service...]",
		Short: "Start managed services",
		Long: `Start the named services and wait until they answer inference.
With no arguments both services are started.

Examples:
  lmctl up
  lmctl up ollama`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return lmctlCommand.Up(globalFlags, args)
		},
	}
}

// createDownCommand creates the down subcommand.
func createDownCommand(lmctlCommand command, globalFlags *GlobalFlags, downFlags *DownFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down [service...]",
		Short: "Stop managed services",
		Long: `Stop the named services, gracefully first and forcefully after the
grace window. With no arguments both services are stopped.

Examples:
  lmctl down
  lmctl down --force mlx`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return lmctlCommand.Down(globalFlags, *downFlags, args)
		},
	}

	cmd.Flags().BoolVar(&downFlags.Force, "force", false, "skip the graceful signal and kill immediately")

	return cmd
}

// createPsCommand creates the ps subcommand.
func createPsCommand(lmctlCommand command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ps [service...]",
		Short: "Show status of managed services",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return lmctlCommand.Ps(globalFlags, args)
		},
	}
}

// createLogCommand creates the log subcommand.
func createLogCommand(lmctlCommand command, globalFlags *GlobalFlags, logFlags *LogFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <service>",
		Short: "Show a service's log location and recent output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return lmctlCommand.Log(globalFlags, *logFlags, args[0])
		},
	}

	cmd.Flags().IntVar(&logFlags.Lines, "lines", 15, "number of trailing log lines to print")

	return cmd
}

// createRunCommand creates the run subcommand.
func createRunCommand(lmctlCommand command, globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <service> <prompt...>",
		Short: "Send a chat prompt to a running service",
		Long: `Send a prompt through the service's chat-completions endpoint and
print the reply. Flags override the configured per-service defaults.

Examples:
  lmctl run ollama "summarize this repo"
  lmctl run mlx --stream --temperature=0.2 "write a haiku"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			streamSet := cmd.Flags().Changed("stream")
			return lmctlCommand.Run(globalFlags, *runFlags, streamSet, args[0], args[1:])
		},
	}

	cmd.Flags().StringVar(&runFlags.Model, "model", "", "model to query (default from config)")
	cmd.Flags().StringVar(&runFlags.SystemPrompt, "system", "", "system prompt (default from config)")
	cmd.Flags().Float64Var(&runFlags.Temperature, "temperature", -1, "sampling temperature (default from config)")
	cmd.Flags().BoolVar(&runFlags.Stream, "stream", false, "stream tokens as they arrive")

	return cmd
}

// createHealthCommand creates the health subcommand.
func createHealthCommand(lmctlCommand command, globalFlags *GlobalFlags, healthFlags *HealthFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health [service...]",
		Short: "Probe services with a minimal inference request",
		Long: `Send a tiny fixed prompt to each service and report whether it
answered. Exits non-zero when any probed service is unreachable.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return lmctlCommand.Health(globalFlags, *healthFlags, args)
		},
	}

	cmd.Flags().StringVar(&healthFlags.Model, "model", "", "model to probe (default from config)")

	return cmd
}

// createConfigCommand creates the config subcommand.
func createConfigCommand(lmctlCommand command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the fully resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return lmctlCommand.Config(globalFlags)
		},
	}
}
