package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

type rootOptions struct {
	configPath string
	dbPath     string
	workspace  string
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "research",
		Short: "Autonomous AI research agent",
		Long: `research decomposes a topic and goal into tasks for a team of agents
(researcher, programmer, writer, critic), runs them against a local task store
and produces a Markdown report.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default is $HOME/.research_agent/config.toml)")
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "sqlite database path override")
	rootCmd.PersistentFlags().StringVar(&opts.workspace, "workspace", "", "workspace root for saved reports override")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newTasksCmd(opts),
		newMemoryCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("research version %s\n", version)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
