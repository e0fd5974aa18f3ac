//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/trackctl/internal/process"
	"github.com/loykin/trackctl/internal/readiness"
	"github.com/loykin/trackctl/internal/track"
)

const loopForever = "while true; do sleep 0.1; done\n"

func writeTrack(t *testing.T, base, name, body string) {
	t.Helper()
	dir := filepath.Join(base, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(filepath.Join(dir, track.DefaultExecutable), []byte(script), 0o755))
}

type fixture struct {
	base string
	run  string
	sup  *Supervisor
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{base: t.TempDir(), run: t.TempDir()}
	opts := Options{
		Catalog:      track.New(f.base),
		PIDFile:      filepath.Join(f.run, "server.pid"),
		ReadyTimeout: 5 * time.Second,
		StopGrace:    2 * time.Second,
		LockTimeout:  2 * time.Second,
		Matcher:      readiness.Matcher{Domain: readiness.DefaultDomain},
		Actor:        "test",
	}
	if mutate != nil {
		mutate(&opts)
	}
	sup, err := New(opts)
	require.NoError(t, err)
	f.sup = sup
	t.Cleanup(func() { _, _ = sup.Stop(context.Background()) })
	return f
}

func (f *fixture) pid(t *testing.T) int {
	t.Helper()
	pid, err := process.ReadPIDFile(f.sup.pidFile)
	require.NoError(t, err)
	return pid
}

func (f *fixture) pidFileExists() bool {
	_, err := os.Stat(f.sup.pidFile)
	return err == nil
}

func TestNewRequiresCatalogAndPIDFile(t *testing.T) {
	_, err := New(Options{PIDFile: "x"})
	assert.Error(t, err)
	_, err = New(Options{Catalog: track.New(t.TempDir())})
	assert.Error(t, err)

	s, err := New(Options{Catalog: track.New(t.TempDir()), PIDFile: "/run/srv.pid"})
	require.NoError(t, err)
	assert.Equal(t, "/run/srv.pid.lock", s.lockFile)
}

func TestStartFindsJoinAddress(t *testing.T) {
	f := newFixture(t, nil)
	writeTrack(t, f.base, "spa", `echo "Loading configuration"
echo "Starting plugins" >&2
echo "Server ready at https://acstuff.ru/s/q:spa123"
`+loopForever)

	res, err := f.sup.Start(context.Background(), "SPA")
	require.NoError(t, err)
	assert.Equal(t, "spa", res.Track)
	assert.Equal(t, "https://acstuff.ru/s/q:spa123", res.JoinAddress)
	assert.False(t, res.TimedOut)
	assert.False(t, res.OutputClosed)
	require.NotNil(t, res.PreviousStop)
	assert.Equal(t, ReasonNotRunning, res.PreviousStop.Reason)

	assert.Equal(t, res.PID, f.pid(t))
	assert.True(t, process.Alive(res.PID))

	st, err := f.sup.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, res.PID, st.PID)
}

func TestStartTimesOutAndLeavesServerRunning(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ReadyTimeout = 300 * time.Millisecond })
	writeTrack(t, f.base, "silent", "echo booting\n"+loopForever)

	start := time.Now()
	res, err := f.sup.Start(context.Background(), "silent")
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Empty(t, res.JoinAddress)
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.True(t, process.Alive(res.PID), "a timed out server is not killed")
	assert.Equal(t, res.PID, f.pid(t))
}

func TestStartOutputClosedBeforeAddress(t *testing.T) {
	f := newFixture(t, nil)
	writeTrack(t, f.base, "broken", "echo 'fatal: missing content'\nexit 1\n")

	res, err := f.sup.Start(context.Background(), "broken")
	require.NoError(t, err)
	assert.True(t, res.OutputClosed)
	assert.True(t, f.pidFileExists())

	// wait until the background reaper has collected the exited child
	require.Eventually(t, func() bool {
		return errors.Is(syscall.Kill(res.PID, 0), syscall.ESRCH)
	}, 3*time.Second, 20*time.Millisecond)
	stop, err := f.sup.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, stop.Stopped)
	assert.Equal(t, ReasonNotFound, stop.Reason)
	assert.False(t, f.pidFileExists())
}

func TestStartUnknownTrackHasNoSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	writeTrack(t, f.base, "monza", loopForever)

	_, err := f.sup.Start(context.Background(), "imola")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTrack))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"monza"}, verr.Valid)
	assert.Contains(t, err.Error(), "monza")

	assert.False(t, f.pidFileExists())
	_, statErr := os.Stat(f.sup.lockFile)
	assert.True(t, os.IsNotExist(statErr), "lock must not be taken for an invalid track")
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 2; i++ {
		res, err := f.sup.Stop(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Stopped)
		assert.Equal(t, ReasonNotRunning, res.Reason)
	}
}

func TestStopRunningServer(t *testing.T) {
	f := newFixture(t, nil)
	writeTrack(t, f.base, "spa", "echo https://acstuff.ru/s/q:x\n"+loopForever)
	res, err := f.sup.Start(context.Background(), "spa")
	require.NoError(t, err)

	stop, err := f.sup.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, stop.Stopped)
	assert.Equal(t, ReasonStopped, stop.Reason)
	assert.Equal(t, res.PID, stop.PID)
	assert.False(t, f.pidFileExists())
	assert.True(t, process.WaitExit(context.Background(), res.PID, 2*time.Second))
}

func TestStopEscalatesToKill(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.StopGrace = 200 * time.Millisecond })
	writeTrack(t, f.base, "stubborn", "trap '' TERM\necho https://acstuff.ru/s/q:x\n"+loopForever)
	res, err := f.sup.Start(context.Background(), "stubborn")
	require.NoError(t, err)

	stop, err := f.sup.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, stop.Killed)
	assert.False(t, process.Alive(res.PID))
}

func TestStopStalePIDRecord(t *testing.T) {
	f := newFixture(t, nil)
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())
	require.NoError(t, process.WritePIDFile(f.sup.pidFile, cmd.Process.Pid))

	res, err := f.sup.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, ReasonNotFound, res.Reason)
	assert.False(t, f.pidFileExists())
}

func TestStopMalformedPIDRecord(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.WriteFile(f.sup.pidFile, []byte("not-a-pid"), 0o600))

	res, err := f.sup.Stop(context.Background())
	require.Error(t, err)
	var rerr *RecordError
	require.True(t, errors.As(err, &rerr))
	assert.True(t, errors.Is(err, process.ErrMalformedPID))
	assert.Equal(t, ReasonFailed, res.Reason)
	assert.False(t, res.Stopped)
	assert.True(t, f.pidFileExists(), "a malformed record is kept for diagnosis")

	_, err = f.sup.Status(context.Background())
	assert.True(t, errors.As(err, &rerr))
}

func TestStartStopsPreviousBeforeSpawning(t *testing.T) {
	events := filepath.Join(t.TempDir(), "events")
	t.Setenv("TRACK_EVENTS", events)
	f := newFixture(t, nil)
	writeTrack(t, f.base, "a", `trap 'echo stopped-a >> "$TRACK_EVENTS"; exit 0' TERM
echo "join https://acstuff.ru/s/q:a"
`+loopForever)
	writeTrack(t, f.base, "b", `echo started-b >> "$TRACK_EVENTS"
echo "join https://acstuff.ru/s/q:b"
`+loopForever)

	first, err := f.sup.Start(context.Background(), "a")
	require.NoError(t, err)
	second, err := f.sup.Start(context.Background(), "b")
	require.NoError(t, err)

	require.NotNil(t, second.PreviousStop)
	assert.Equal(t, ReasonStopped, second.PreviousStop.Reason)
	assert.Equal(t, first.PID, second.PreviousStop.PID)
	assert.Equal(t, second.PID, f.pid(t))
	assert.NotEqual(t, first.PID, second.PID)

	b, err := os.ReadFile(events)
	require.NoError(t, err)
	assert.Equal(t, []string{"stopped-a", "started-b"}, strings.Fields(string(b)))
}

func TestStartRollsBackWhenPIDCannotBeRecorded(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	lockDir := t.TempDir()
	f := newFixture(t, func(o *Options) {
		o.PIDFile = filepath.Join(blocker, "server.pid")
		o.LockFile = filepath.Join(lockDir, "slot.lock")
	})
	writeTrack(t, f.base, "spa", "echo https://acstuff.ru/s/q:x\n"+loopForever)

	res, err := f.sup.Start(context.Background(), "spa")
	require.Error(t, err)
	var rerr *RecordError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "write", rerr.Op)
	assert.Equal(t, res.PID, rerr.PID)
	assert.Contains(t, err.Error(), "verify PID")
	assert.True(t, process.WaitExit(context.Background(), res.PID, 3*time.Second), "unrecorded server must be terminated")
}

func TestLockTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.LockTimeout = 300 * time.Millisecond })
	writeTrack(t, f.base, "spa", loopForever)

	held := flock.New(f.sup.lockFile)
	ok, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.sup.Start(context.Background(), "spa")
	assert.ErrorIs(t, err, ErrLockTimeout)
	_, err = f.sup.Stop(context.Background())
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, f.pidFileExists())

	require.NoError(t, held.Unlock())
	_, err = f.sup.Stop(context.Background())
	assert.NoError(t, err)
}

func TestConcurrentStartsLeaveOneServer(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.LockTimeout = 20 * time.Second })
	writeTrack(t, f.base, "a", "echo https://acstuff.ru/s/q:a\n"+loopForever)
	writeTrack(t, f.base, "b", "echo https://acstuff.ru/s/q:b\n"+loopForever)

	results := make(chan StartResult, 2)
	for _, name := range []string{"a", "b"} {
		go func(n string) {
			res, err := f.sup.Start(context.Background(), n)
			assert.NoError(t, err)
			results <- res
		}(name)
	}
	r1, r2 := <-results, <-results

	alive := 0
	for _, r := range []StartResult{r1, r2} {
		if process.WaitExit(context.Background(), r.PID, 500*time.Millisecond) {
			continue
		}
		alive++
		assert.Equal(t, r.PID, f.pid(t))
	}
	assert.Equal(t, 1, alive)
}

func TestServerKeepsWritingAfterStartReturns(t *testing.T) {
	f := newFixture(t, nil)
	writeTrack(t, f.base, "spa", `echo "join https://acstuff.ru/s/q:spa"
while true; do echo tick; sleep 0.1; done
`)
	res, err := f.sup.Start(context.Background(), "spa")
	require.NoError(t, err)
	require.NotEmpty(t, res.JoinAddress)

	console := filepath.Join(f.base, "spa", ConsoleLogName)
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(console)
		return err == nil && strings.Count(string(b), "tick") >= 5
	}, 5*time.Second, 50*time.Millisecond, "output after the join line lands in the console log")
	assert.True(t, process.Alive(res.PID))
}

func TestStartRotatesConsoleLog(t *testing.T) {
	f := newFixture(t, nil)
	writeTrack(t, f.base, "spa", "echo https://acstuff.ru/s/q:x\n"+loopForever)

	_, err := f.sup.Start(context.Background(), "spa")
	require.NoError(t, err)
	_, err = f.sup.Start(context.Background(), "spa")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(f.base, "spa"))
	require.NoError(t, err)
	var backups int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "console-") {
			backups++
		}
	}
	assert.Equal(t, 1, backups)
	b, err := os.ReadFile(filepath.Join(f.base, "spa", ConsoleLogName))
	require.NoError(t, err)
	assert.Equal(t, "https://acstuff.ru/s/q:x\n", string(b))
}

func TestStartSpawnFailureLeavesNoRecord(t *testing.T) {
	f := newFixture(t, nil)
	dir := filepath.Join(f.base, "corrupt")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	// executable bit set but no interpreter line: exec fails with ENOEXEC
	require.NoError(t, os.WriteFile(filepath.Join(dir, track.DefaultExecutable), []byte("not a program\n"), 0o755))

	res, err := f.sup.Start(context.Background(), "corrupt")
	require.Error(t, err)
	var perr *ProcessError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "spawn", perr.Op)
	assert.Zero(t, res.PID)
	assert.False(t, f.pidFileExists())
}

func TestStopLeavesReusedPIDAlone(t *testing.T) {
	f := newFixture(t, nil)
	victim := exec.Command("sleep", "30")
	process.Detach(victim)
	require.NoError(t, victim.Start())
	go func() { _ = victim.Wait() }()
	t.Cleanup(func() { _ = process.Kill(victim.Process.Pid) })

	// a record older than the process it names
	require.NoError(t, process.WritePIDFile(f.sup.pidFile, victim.Process.Pid))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(f.sup.pidFile, old, old))

	st, err := f.sup.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, ReasonNotFound, st.Reason)

	res, err := f.sup.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, res.Reason)
	assert.False(t, res.Killed)
	assert.False(t, f.pidFileExists())
	assert.False(t, process.WaitExit(context.Background(), victim.Process.Pid, 300*time.Millisecond), "unrelated process must survive")
}
