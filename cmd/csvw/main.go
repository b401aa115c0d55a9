// Command csvw validates, converts and describes tabular data files with
// CSV on the Web metadata.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvw/internal/core"
)

// exitError carries the process exit status for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Exit statuses.
const (
	exitOK         = 0
	exitViolations = 1
	exitFatal      = 2
)

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return 1
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "csvw",
		Short:         "Work with CSV on the Web metadata and data",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (default: LOG_LEVEL)")
	root.PersistentFlags().String("log-format", "", "log format: text, json (default: LOG_FORMAT)")
	root.PersistentFlags().String("mode", "", "row error mode: failfast, strict, collect (default: VALIDATION_MODE)")
	addCommands(root)
	return root
}

func main() {
	// Existing environment variables win over .env
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	} else {
		slog.Debug("loaded .env file")
	}

	err := newRoot().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		if core.IsUserFacing(err) {
			fmt.Fprintln(os.Stderr, core.FormatUserError(err))
		}
	}
	os.Exit(exitCode(err))
}
