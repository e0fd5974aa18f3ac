package readiness

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"
)

// DefaultTimeout bounds how long a start waits for a join address.
const DefaultTimeout = 30 * time.Second

// DefaultMaxLineBytes caps a single output line; the excess is dropped.
const DefaultMaxLineBytes = 1 << 20

// Result describes how a scan ended. Exactly one of Address != "",
// TimedOut or Closed is set when Scan returns a nil error.
type Result struct {
	Address  string        `json:"address,omitempty"`
	Lines    int           `json:"lines"`
	TimedOut bool          `json:"timed_out"`
	Closed   bool          `json:"closed"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Scanner watches a line-oriented stream for a join address.
type Scanner struct {
	Matcher Matcher
	// Timeout is the overall deadline for the scan (DefaultTimeout when <= 0).
	Timeout time.Duration
	// OnLine, if set, sees every line in order from the scanning goroutine.
	OnLine func(line string)
	// MaxLineBytes caps retained line length (DefaultMaxLineBytes when <= 0).
	MaxLineBytes int
}

// Scan reads r until a line matches, the deadline passes, r reaches EOF or ctx
// is done. The deadline is enforced even if r blocks in the middle of a line.
// Once Scan returns, the rest of r is read and discarded in the background
// until EOF so a writer on the other end never blocks on a full pipe.
func (s *Scanner) Scan(ctx context.Context, r io.Reader) (Result, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()

	lines := make(chan string)
	stop := make(chan struct{})
	readErr := make(chan error, 1)
	go s.read(r, lines, stop, readErr)
	defer close(stop)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var res Result
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				res.Closed = true
				res.Elapsed = time.Since(start)
				return res, <-readErr
			}
			res.Lines++
			if s.OnLine != nil {
				s.OnLine(line)
			}
			if addr, found := s.Matcher.Match(line); found {
				res.Address = addr
				res.Elapsed = time.Since(start)
				return res, nil
			}
		case <-deadline.C:
			res.TimedOut = true
			res.Elapsed = time.Since(start)
			return res, nil
		case <-ctx.Done():
			res.Elapsed = time.Since(start)
			return res, ctx.Err()
		}
	}
}

// read splits r into lines and hands them to lines until stop is closed.
// It sends exactly one value on readErr before closing lines.
func (s *Scanner) read(r io.Reader, lines chan<- string, stop <-chan struct{}, readErr chan<- error) {
	defer close(lines)
	maxLine := s.MaxLineBytes
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	br := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 0, 256)
	for {
		frag, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			readErr <- err
			return
		}
		if room := maxLine - len(buf); room > 0 {
			if len(frag) > room {
				frag = frag[:room]
			}
			buf = append(buf, frag...)
		}
		if isPrefix {
			continue
		}
		select {
		case lines <- string(buf):
			buf = buf[:0]
		case <-stop:
			_, _ = io.Copy(io.Discard, br)
			readErr <- nil
			return
		}
	}
}
