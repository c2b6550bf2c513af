package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := execute(NewRootCmd()); err != nil {
		os.Exit(1)
	}
}

// execute runs cmd and releases the history store and log file even when a
// command fails, since cobra skips PersistentPostRun after an error.
func execute(cmd *cobra.Command) error {
	defer closeLogFile()
	defer closeStore()
	return cmd.Execute()
}
