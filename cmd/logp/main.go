// Command logp wraps processes and streams their lifecycle and output to a
// log periodic server, and queries what has been collected.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// exitPermissionDenied is the status used when the API key was accepted
// but grants no access
const exitPermissionDenied = 3

// exitError makes the process exit with code. err, if set, is printed
// first.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit status
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(stderr, "logp: %v\n", exit.err)
		}
		return exit.code
	}

	fmt.Fprintf(stderr, "logp: %v\n", err)
	return 1
}
