package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	recerrors "ledgermatch/pkg/errors"
)

// ExitCode maps a command error to a process exit code using the error
// taxonomy. Unknown errors exit 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := recerrors.AsError(err); ok {
		return e.GetExitCode()
	}
	return 1
}

// describeError prints a taxonomy error with its structured context, and the
// underlying cause in verbose mode. Plain errors print as-is.
func describeError(err error) {
	e, ok := recerrors.AsError(err)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", e.Code, e.Message)
	if len(e.Context) > 0 {
		fmt.Fprintf(os.Stderr, "Context:\n")
		for key, value := range e.Context {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", key, value)
		}
	}
	if viper.GetBool("verbose") && e.Cause != nil {
		fmt.Fprintf(os.Stderr, "Underlying error: %v\n", e.Cause)
	}
}
