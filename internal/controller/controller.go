// Package controller drives the supervisor CLI out of process, so a hung
// spawn or a slow stop can never block the caller past its timeout.
package controller

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/trackctl/internal/env"
	"github.com/loykin/trackctl/internal/metrics"
	"github.com/loykin/trackctl/internal/process"
	"github.com/loykin/trackctl/internal/supervisor"
)

// Default per-call timeouts.
const (
	DefaultStartTimeout   = 45 * time.Second
	DefaultStopTimeout    = 30 * time.Second
	DefaultPreStopTimeout = 15 * time.Second
)

// JoinPrefix marks the protocol line carrying the join address.
const JoinPrefix = "JOIN_URL:"

// ErrCallTimeout means the supervisor did not finish within the call timeout.
// The server may still be starting or stopping; its state is unknown.
var ErrCallTimeout = errors.New("supervisor call timed out")

// CallError reports a supervisor invocation that failed or exited non-zero.
type CallError struct {
	Op       string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("supervisor %s failed", e.Op)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		return msg + ": " + e.Stderr
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() error { return e.Err }

// Client invokes the supervisor executable at Path.
type Client struct {
	Path string
	// Args are placed before the subcommand, e.g. a script path or --config.
	Args []string
	// Env is laid over the inherited environment of every call.
	Env            []string
	StartTimeout   time.Duration
	StopTimeout    time.Duration
	PreStopTimeout time.Duration
	Logger         *slog.Logger
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Start asks the supervisor to replace the running server with track.
func (c *Client) Start(ctx context.Context, track string) (supervisor.StartResult, error) {
	var res supervisor.StartResult
	out, err := c.call(ctx, "start", orDefault(c.StartTimeout, DefaultStartTimeout), track)
	if perr := parseResult(out, &res); perr != nil {
		c.logger().Warn("unparsable supervisor output", "op", "start", "error", perr)
	}
	if res.JoinAddress == "" {
		res.JoinAddress = JoinAddress(out)
	}
	if res.Track == "" {
		res.Track = track
	}
	return res, err
}

// Stop asks the supervisor to stop the server.
func (c *Client) Stop(ctx context.Context) (supervisor.StopResult, error) {
	return c.stop(ctx, "stop", orDefault(c.StopTimeout, DefaultStopTimeout))
}

// PreStop is Stop with the shorter timeout used before a start.
func (c *Client) PreStop(ctx context.Context) (supervisor.StopResult, error) {
	return c.stop(ctx, "prestop", orDefault(c.PreStopTimeout, DefaultPreStopTimeout))
}

func (c *Client) stop(ctx context.Context, op string, timeout time.Duration) (supervisor.StopResult, error) {
	var res supervisor.StopResult
	out, err := c.call(ctx, op, timeout, "stop")
	if perr := parseResult(out, &res); perr != nil {
		c.logger().Warn("unparsable supervisor output", "op", op, "error", perr)
	}
	return res, err
}

// call runs the supervisor with args and returns its stdout. When timeout
// or ctx expires first the call returns without killing the supervisor: it
// finishes on its own deadlines and is reaped in the background.
func (c *Client) call(ctx context.Context, op string, timeout time.Duration, args ...string) (string, error) {
	if c.Path == "" {
		return "", &CallError{Op: op, ExitCode: -1, Err: errors.New("no supervisor executable configured")}
	}

	argv := make([]string, 0, len(c.Args)+len(args)+2)
	argv = append(argv, c.Args...)
	argv = append(argv, "--output", "json")
	argv = append(argv, args...)
	// #nosec G204 -- path and args come from operator configuration
	cmd := exec.Command(c.Path, argv...)
	// own session: signals aimed at the caller's process group stay there
	process.Detach(cmd)
	if len(c.Env) > 0 {
		cmd.Env = env.New().Merge(c.Env)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.ObserveControllerCall(op, time.Since(started), false)
		return "", &CallError{Op: op, ExitCode: -1, Err: err}
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var err error
	select {
	case err = <-done:
	case <-deadline.C:
		metrics.ObserveControllerCall(op, time.Since(started), true)
		c.detach(op, cmd.Process.Pid, done)
		return "", fmt.Errorf("%s: %w after %s", op, ErrCallTimeout, timeout)
	case <-ctx.Done():
		metrics.ObserveControllerCall(op, time.Since(started), false)
		c.detach(op, cmd.Process.Pid, done)
		return "", ctx.Err()
	}

	elapsed := time.Since(started)
	metrics.ObserveControllerCall(op, elapsed, false)
	c.logger().Debug("supervisor call finished", "op", op, "elapsed", elapsed, "error", err)
	if err != nil {
		code := -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		}
		return stdout.String(), &CallError{Op: op, ExitCode: code, Stderr: lastLine(stderr.String()), Err: err}
	}
	return stdout.String(), nil
}

// detach stops waiting for a supervisor that is still running and logs how
// it eventually ends.
func (c *Client) detach(op string, pid int, done <-chan error) {
	c.logger().Warn("Supervisor still running after call deadline; leaving it to finish", "op", op, "pid", pid)
	go func() {
		err := <-done
		c.logger().Info("Detached supervisor call finished", "op", op, "pid", pid, "error", err)
	}()
}

// JoinAddress extracts the address from the first JOIN_URL line in out.
func JoinAddress(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if _, after, ok := strings.Cut(line, JoinPrefix); ok {
			return strings.TrimSpace(after)
		}
	}
	return ""
}

// parseResult decodes the last JSON object line in out into v.
func parseResult(out string, v any) error {
	var last string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); strings.HasPrefix(line, "{") {
			last = line
		}
	}
	if last == "" {
		return nil
	}
	return json.Unmarshal([]byte(last), v)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
