// Package supervisor runs at most one game server at a time. It stops the
// previous instance, spawns the requested track detached from the caller,
// records its PID and waits a bounded time for the join address.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/loykin/trackctl/internal/history"
	"github.com/loykin/trackctl/internal/process"
	"github.com/loykin/trackctl/internal/readiness"
	"github.com/loykin/trackctl/internal/track"
)

// Stop outcomes reported in StopResult.Reason.
const (
	ReasonStopped    = "stopped"
	ReasonNotRunning = "no_server_running"
	ReasonNotFound   = "process_not_found"
	ReasonFailed     = "stop_failed"
	ReasonRunning    = "running"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 5 * time.Second

// killWait bounds the wait for a SIGKILLed server to disappear.
const killWait = 2 * time.Second

// Options configures a Supervisor.
type Options struct {
	Catalog *track.Catalog
	PIDFile string
	// LockFile defaults to PIDFile + ".lock".
	LockFile     string
	ReadyTimeout time.Duration
	// StopGrace <= 0 sends SIGTERM only, without waiting or escalating.
	StopGrace   time.Duration
	LockTimeout time.Duration
	Matcher     readiness.Matcher
	// ConsoleBackups is how many rotated console logs are kept per track.
	ConsoleBackups int
	Sink           history.Sink
	// Actor is recorded in history events ("cli", "bot:<user>", ...).
	Actor  string
	Logger *slog.Logger
}

// StartResult is the outcome of Start. Exactly one of JoinAddress,
// TimedOut or OutputClosed is set on success.
type StartResult struct {
	Track        string        `json:"track"`
	PID          int           `json:"pid,omitempty"`
	JoinAddress  string        `json:"join_address,omitempty"`
	TimedOut     bool          `json:"timed_out,omitempty"`
	OutputClosed bool          `json:"output_closed,omitempty"`
	PreviousStop *StopResult   `json:"previous_stop,omitempty"`
	StartedAt    time.Time     `json:"started_at,omitzero"`
	ReadyAfter   time.Duration `json:"ready_after,omitempty"`
}

// StopResult is the outcome of Stop.
type StopResult struct {
	Stopped bool   `json:"stopped"`
	Reason  string `json:"reason"`
	PID     int    `json:"pid,omitempty"`
	Killed  bool   `json:"killed,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// StatusResult describes the recorded server without touching it.
type StatusResult struct {
	Running bool          `json:"running"`
	Reason  string        `json:"reason"`
	PID     int           `json:"pid,omitempty"`
	Process *process.Info `json:"process,omitempty"`
}

// Supervisor owns the single server slot described by a PID file.
type Supervisor struct {
	opts     Options
	catalog  *track.Catalog
	pidFile  string
	lockFile string
	sink     history.Sink
	log      *slog.Logger
}

// New validates opts and returns a Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Catalog == nil {
		return nil, errors.New("supervisor: catalog is required")
	}
	if opts.PIDFile == "" {
		return nil, errors.New("supervisor: pid file is required")
	}
	s := &Supervisor{
		opts:     opts,
		catalog:  opts.Catalog,
		pidFile:  opts.PIDFile,
		lockFile: opts.LockFile,
		sink:     opts.Sink,
		log:      opts.Logger,
	}
	if s.lockFile == "" {
		s.lockFile = opts.PIDFile + ".lock"
	}
	if s.sink == nil {
		s.sink = history.Nop{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// ListTracks returns the names of all launchable tracks.
func (s *Supervisor) ListTracks() []string {
	return s.catalog.Names()
}

func (s *Supervisor) emit(ctx context.Context, e history.Event) {
	e.Actor = s.opts.Actor
	history.Emit(ctx, s.sink, s.log, e)
}

// Stop terminates the recorded server, if any, and clears the PID record.
// Calling it with nothing running is not an error.
func (s *Supervisor) Stop(ctx context.Context) (StopResult, error) {
	release, err := s.lockSlot(ctx)
	if err != nil {
		return StopResult{Reason: ReasonFailed, Detail: err.Error()}, err
	}
	defer release()
	return s.stopLocked(ctx)
}

// stopLocked assumes the caller holds lockSlot.
func (s *Supervisor) stopLocked(ctx context.Context) (StopResult, error) {
	pid, err := process.ReadPIDFile(s.pidFile)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Info("No server running")
		return StopResult{Reason: ReasonNotRunning}, nil
	}
	if err != nil {
		rerr := &RecordError{Op: "read", Path: s.pidFile, Err: err}
		return StopResult{Reason: ReasonFailed, Detail: rerr.Error()}, rerr
	}

	res := StopResult{PID: pid}
	if process.Reused(s.pidFile, pid) {
		s.log.Warn("Recorded PID now belongs to a newer process; not signalling it", "pid", pid)
		err = process.ErrProcessNotFound
	} else {
		err = process.Terminate(pid)
	}
	switch {
	case errors.Is(err, process.ErrProcessNotFound):
		s.log.Info("Recorded server already gone", "pid", pid)
		res.Stopped, res.Reason = true, ReasonNotFound
	case err != nil:
		perr := &ProcessError{Op: "terminate", PID: pid, Err: err}
		res.Reason, res.Detail = ReasonFailed, perr.Error()
		s.emit(ctx, history.Event{Type: history.EventFailure, PID: pid, Detail: res.Detail})
		return res, perr
	default:
		res.Stopped, res.Reason = true, ReasonStopped
		if grace := s.opts.StopGrace; grace > 0 && !process.WaitExit(ctx, pid, grace) {
			s.log.Warn("Server ignored SIGTERM; killing", "pid", pid, "grace", grace)
			if err := process.Kill(pid); err != nil && !errors.Is(err, process.ErrProcessNotFound) {
				s.log.Warn("kill server", "pid", pid, "error", err)
			} else {
				res.Killed = true
				process.WaitExit(ctx, pid, killWait)
			}
		}
		s.log.Info("Server stopped", "pid", pid, "killed", res.Killed)
	}

	if err := process.RemovePIDFile(s.pidFile); err != nil {
		s.log.Warn("remove pid record", "path", s.pidFile, "error", err)
	}
	s.emit(ctx, history.Event{Type: history.EventStop, PID: pid, Detail: res.Reason})
	return res, nil
}

// Start replaces whatever is running with the named track and waits up to
// ReadyTimeout for its join address. A missing address is not an error:
// the server keeps running and the result says why no address was found.
func (s *Supervisor) Start(ctx context.Context, name string) (StartResult, error) {
	t, ok := s.catalog.Resolve(name)
	if !ok {
		return StartResult{Track: name}, &ValidationError{Track: name, Valid: s.catalog.Names()}
	}

	release, err := s.lockSlot(ctx)
	if err != nil {
		return StartResult{Track: t.Name}, err
	}
	defer release()

	res := StartResult{Track: t.Name}
	prev, err := s.stopLocked(ctx)
	res.PreviousStop = &prev
	if err != nil {
		s.log.Warn("Stopping previous server failed; starting anyway", "error", err)
	}

	consolePath := filepath.Join(t.Dir, ConsoleLogName)
	out, err := openConsoleLog(consolePath, s.opts.ConsoleBackups)
	if err != nil {
		return res, &ProcessError{Op: "console log", Command: consolePath, Err: err}
	}
	reaped := make(chan struct{})
	tail, err := readiness.OpenTail(consolePath, reaped)
	if err != nil {
		_ = out.Close()
		return res, &ProcessError{Op: "console log", Command: consolePath, Err: err}
	}
	cmd := exec.Command(t.Executable)
	cmd.Dir = t.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	process.Detach(cmd)

	s.log.Info("Starting server", "track", t.Name, "dir", t.Dir, "console", consolePath)
	err = cmd.Start()
	// the child holds its own descriptor
	_ = out.Close()
	if err != nil {
		_ = tail.Close()
		perr := &ProcessError{Op: "spawn", Command: t.Executable, Err: err}
		s.emit(ctx, history.Event{Type: history.EventFailure, Track: t.Name, Detail: perr.Error()})
		return res, perr
	}

	pid := cmd.Process.Pid
	res.PID = pid
	res.StartedAt = time.Now().UTC()
	go func() {
		_ = cmd.Wait()
		close(reaped)
	}()

	if err := process.WritePIDFile(s.pidFile, pid); err != nil {
		s.log.Error("Could not record server PID; terminating it", "pid", pid, "error", err)
		if kerr := process.Kill(pid); kerr != nil && !errors.Is(kerr, process.ErrProcessNotFound) {
			s.log.Error("kill unrecorded server", "pid", pid, "error", kerr)
		}
		_ = tail.Close()
		rerr := &RecordError{Op: "write", Path: s.pidFile, PID: pid, Err: err}
		s.emit(ctx, history.Event{Type: history.EventFailure, Track: t.Name, PID: pid, Detail: rerr.Error()})
		return res, rerr
	}
	s.log.Info("Server started", "track", t.Name, "pid", pid)
	s.emit(ctx, history.Event{Type: history.EventStart, Track: t.Name, PID: pid})

	scanner := &readiness.Scanner{
		Matcher: s.opts.Matcher,
		Timeout: s.opts.ReadyTimeout,
		OnLine: func(line string) {
			s.log.Debug("server output", "pid", pid, "line", line)
		},
	}
	scan, err := scanner.Scan(ctx, tail)
	// the server keeps appending to its console log; stop following it
	_ = tail.Close()
	if err != nil {
		return res, fmt.Errorf("waiting for join address: %w", err)
	}

	switch {
	case scan.Address != "":
		res.JoinAddress = scan.Address
		res.ReadyAfter = scan.Elapsed
		s.log.Info("Server ready", "track", t.Name, "join_url", scan.Address, "after", scan.Elapsed)
		s.emit(ctx, history.Event{Type: history.EventReady, Track: t.Name, PID: pid, JoinAddress: scan.Address})
	case scan.TimedOut:
		res.TimedOut = true
		s.log.Warn("No join address before deadline; server left running", "track", t.Name, "pid", pid, "lines", scan.Lines)
		s.emit(ctx, history.Event{Type: history.EventTimeout, Track: t.Name, PID: pid})
	default:
		res.OutputClosed = true
		s.log.Warn("Server output closed before a join address appeared", "track", t.Name, "pid", pid, "lines", scan.Lines)
		s.emit(ctx, history.Event{Type: history.EventFailure, Track: t.Name, PID: pid, Detail: "output closed"})
	}
	return res, nil
}

// Status reports on the recorded server. It takes no lock and changes nothing.
func (s *Supervisor) Status(ctx context.Context) (StatusResult, error) {
	pid, err := process.ReadPIDFile(s.pidFile)
	if errors.Is(err, fs.ErrNotExist) {
		return StatusResult{Reason: ReasonNotRunning}, nil
	}
	if err != nil {
		return StatusResult{}, &RecordError{Op: "read", Path: s.pidFile, Err: err}
	}
	if process.Reused(s.pidFile, pid) {
		return StatusResult{PID: pid, Reason: ReasonNotFound}, nil
	}
	info := process.Inspect(ctx, pid)
	res := StatusResult{Running: info.Running, PID: pid, Process: &info, Reason: ReasonRunning}
	if !info.Running {
		res.Reason = ReasonNotFound
	}
	return res, nil
}
