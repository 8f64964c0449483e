package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "taskpipe",
	Short: "Staged research pipeline on a message bus",
	Long: `Taskpipe turns a research topic into a written report. Tasks move
through plan, crawl, retrieve and write stages, each consumed from its own
topic by a pool of workers, with every step checkpointed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./taskpipe.yaml or $XDG_CONFIG_HOME/taskpipe/taskpipe.yaml)")
}
