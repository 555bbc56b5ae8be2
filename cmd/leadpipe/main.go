package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/redact"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// runError marks a failure after configuration succeeded.
type runError struct {
	stage string
	err   error
}

func (e *runError) Error() string { return e.stage + " failed: " + e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

// execute runs the command line and returns the process exit code: 0 on success, 2 for
// usage and configuration errors, 1 when a stage fails.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var re *runError
	if errors.As(err, &re) {
		_, _ = fmt.Fprintf(stderr, "%s\n", redact.Secrets(err.Error()))
		return 1
	}
	_, _ = fmt.Fprintf(stderr, "config error: %s\n", redact.Secrets(err.Error()))
	return 2
}
