package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// exitError carries the process exit code for a failed run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			_, _ = fmt.Fprintln(stderr, "Error:", ee.err)
		}
		return ee.code
	}
	// cobra flag parsing errors
	_, _ = fmt.Fprintln(stderr, "Error:", err)
	return exitUsage
}

// buildRoot creates the root command. The single positional argument selects
// the operation: a track name, "stop" or "status".
func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "trackctl [flags] <track_name|stop|status>",
		Short: "Run one game server, switching tracks on demand",
		Long: `trackctl keeps at most one game server running. Starting a track stops
the previous server first, records the new PID and waits for the join link.

Examples:
  trackctl spa                 # replace the running server with "spa"
  trackctl stop                # stop whatever is running
  trackctl status --output json`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := &command{flags: *flags, stdout: stdout, stderr: stderr}
			return c.Run(cmd.Context(), args)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to a .env or TOML config file (default ./.env when present)")
	pf.StringVarP(&flags.Output, "output", "o", outputText, "output format: text or json")
	pf.DurationVar(&flags.ReadyTimeout, "ready-timeout", 0, "how long to wait for the join link (overrides READY_TIMEOUT)")
	pf.StringVar(&flags.Actor, "actor", "cli", "who asked, recorded in history")
	pf.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn or error (overrides LOG_LEVEL)")
	return root
}
