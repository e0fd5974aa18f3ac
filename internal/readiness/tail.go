package readiness

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPollInterval is how often a Tail re-reads a file sitting at EOF.
const DefaultPollInterval = 50 * time.Millisecond

// Tail reads a file another process is still appending to. At EOF it waits
// for more data until the writer is done or the Tail is closed, so the
// writer never depends on a live reader.
type Tail struct {
	f      *os.File
	done   <-chan struct{}
	closed chan struct{}
	once   sync.Once
	// Poll is the wait between reads at EOF (DefaultPollInterval when <= 0).
	Poll time.Duration
}

// OpenTail opens path for following. done is closed once the writer has
// exited; reads then return what is left and io.EOF.
func OpenTail(path string, done <-chan struct{}) (*Tail, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return &Tail{f: f, done: done, closed: make(chan struct{})}, nil
}

// Read implements io.Reader.
func (t *Tail) Read(p []byte) (int, error) {
	poll := t.Poll
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	for {
		n, err := t.f.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			if t.isClosed() {
				return 0, io.EOF
			}
			return 0, err
		}
		select {
		case <-t.closed:
			return 0, io.EOF
		case <-t.done:
			// anything the writer produced is in the file by now
			n, err := t.f.Read(p)
			if n > 0 {
				return n, nil
			}
			if err == nil || t.isClosed() {
				err = io.EOF
			}
			return 0, err
		case <-time.After(poll):
		}
	}
}

func (t *Tail) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Close stops following. Pending and later reads return io.EOF.
func (t *Tail) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		err = t.f.Close()
	})
	return err
}
