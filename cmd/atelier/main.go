// Command atelier runs the content-generation workflow engine: `serve`
// starts the HTTP control surface, `run` executes one workflow from the
// command line and streams its events.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for the run command.
const (
	exitOK              = 0
	exitUsage           = 2
	exitTemplateMissing = 3
	exitInvalidInputs   = 4
	exitJobFailed       = 5
	exitCancelled       = 6
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "atelier",
		Short:         "Content-generation workflow orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to atelier.toml")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newServeCmd(), newRunCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "atelier:", err)
		code := exitUsage
		if ec, ok := err.(*exitError); ok {
			code = ec.code
		}
		os.Exit(code)
	}
}

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
