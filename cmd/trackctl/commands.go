package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/trackctl"
)

type command struct {
	flags  GlobalFlags
	stdout io.Writer
	stderr io.Writer
}

// Run dispatches on the positional argument.
func (c *command) Run(ctx context.Context, args []string) error {
	if c.flags.Output != outputText && c.flags.Output != outputJSON {
		return &exitError{code: exitUsage, err: fmt.Errorf("unknown output format %q", c.flags.Output)}
	}
	cfg, err := trackctl.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return &exitError{code: exitFail, err: err}
	}
	if c.flags.LogLevel != "" {
		cfg.Log.Slog.Level = c.flags.LogLevel
	}
	if c.flags.ReadyTimeout > 0 {
		cfg.Supervisor.ReadyTimeout = c.flags.ReadyTimeout
	}
	log, closer, err := cfg.Log.New(c.stderr)
	if err != nil {
		return &exitError{code: exitFail, err: err}
	}
	defer func() { _ = closer.Close() }()

	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		c.usage(trackctl.ListTracks(cfg.Supervisor, log))
		return &exitError{code: exitUsage}
	}
	if err := cfg.ValidateSupervisor(); err != nil {
		return &exitError{code: exitFail, err: err}
	}

	sup, err := trackctl.Open(cfg.Supervisor, c.flags.Actor, log)
	if err != nil {
		return &exitError{code: exitFail, err: err}
	}
	defer func() { _ = sup.Close() }()

	arg := strings.TrimSpace(args[0])
	switch strings.ToLower(arg) {
	case "stop":
		return c.stop(ctx, sup)
	case "status":
		return c.status(ctx, sup)
	default:
		return c.start(ctx, sup, arg)
	}
}

func (c *command) usage(tracks []string) {
	_, _ = fmt.Fprintln(c.stderr, "Usage: trackctl [flags] <track_name|stop|status>")
	c.printTracks(tracks)
}

func (c *command) printTracks(tracks []string) {
	if len(tracks) == 0 {
		_, _ = fmt.Fprintln(c.stderr, "No track folders found.")
		return
	}
	_, _ = fmt.Fprintln(c.stderr, "\nAvailable tracks:")
	for _, t := range tracks {
		_, _ = fmt.Fprintf(c.stderr, "  - %s\n", t)
	}
}

func (c *command) start(ctx context.Context, sup *trackctl.Supervisor, name string) error {
	res, err := sup.Start(ctx, name)
	if res.JoinAddress != "" {
		_, _ = fmt.Fprintf(c.stdout, "JOIN_URL: %s\n", res.JoinAddress)
	}
	if c.flags.Output == outputJSON {
		c.printJSON(res)
	}
	if err != nil {
		if trackctl.IsUnknownTrack(err) {
			_, _ = fmt.Fprintf(c.stderr, "No server executable found for track: %s\n", name)
			c.printTracks(sup.ListTracks())
			return &exitError{code: exitUsage}
		}
		return &exitError{code: exitFail, err: err}
	}
	if c.flags.Output == outputText {
		switch {
		case res.TimedOut:
			_, _ = fmt.Fprintln(c.stderr, "No join link detected yet; the server may still be starting.")
		case res.OutputClosed:
			_, _ = fmt.Fprintln(c.stderr, "Server output ended before a join link appeared; it may have exited.")
		}
		_, _ = fmt.Fprintf(c.stderr, "Server started for %s (PID %d)\n", res.Track, res.PID)
	}
	return nil
}

func (c *command) stop(ctx context.Context, sup *trackctl.Supervisor) error {
	res, err := sup.Stop(ctx)
	if c.flags.Output == outputJSON {
		c.printJSON(res)
	}
	if err != nil {
		return &exitError{code: exitFail, err: err}
	}
	if c.flags.Output == outputText {
		switch res.Reason {
		case trackctl.ReasonNotRunning:
			_, _ = fmt.Fprintln(c.stdout, "No running server found.")
		case trackctl.ReasonNotFound:
			_, _ = fmt.Fprintf(c.stdout, "No process found with PID %d.\n", res.PID)
		default:
			_, _ = fmt.Fprintf(c.stdout, "Stopped server with PID %d.\n", res.PID)
		}
	}
	return nil
}

func (c *command) status(ctx context.Context, sup *trackctl.Supervisor) error {
	res, err := sup.Status(ctx)
	if err != nil {
		return &exitError{code: exitFail, err: err}
	}
	if c.flags.Output == outputJSON {
		c.printJSON(res)
		return nil
	}
	switch {
	case res.Running && res.Process != nil && res.Process.Name != "":
		_, _ = fmt.Fprintf(c.stdout, "Server running: PID %d (%s)\n", res.PID, res.Process.Name)
	case res.Running:
		_, _ = fmt.Fprintf(c.stdout, "Server running: PID %d\n", res.PID)
	case res.PID > 0:
		_, _ = fmt.Fprintf(c.stdout, "Recorded PID %d is not running.\n", res.PID)
	default:
		_, _ = fmt.Fprintln(c.stdout, "No running server found.")
	}
	return nil
}

// printJSON writes v as a single line so callers can pick it out of stdout.
func (c *command) printJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		_, _ = fmt.Fprintln(c.stderr, "encode result:", err)
		return
	}
	_, _ = fmt.Fprintln(c.stdout, string(b))
}
