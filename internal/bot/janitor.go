package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDeleteDelay is how long follow-up messages stay visible.
const DefaultDeleteDelay = 30 * time.Second

// deleteTimeout bounds a single delete request.
const deleteTimeout = 10 * time.Second

// Task is one scheduled deletion.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel abandons the deletion if it has not happened yet.
func (t *Task) Cancel() { t.cancel() }

// Done is closed once the task has deleted its message or been cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Janitor deletes transient messages after a delay. Every deletion is a
// Task the owner can cancel; Close cancels what is left and waits.
type Janitor struct {
	delay time.Duration
	log   *slog.Logger

	mu     sync.Mutex
	tasks  map[*Task]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewJanitor returns a Janitor deleting after delay (DefaultDeleteDelay when <= 0).
func NewJanitor(delay time.Duration, logger *slog.Logger) *Janitor {
	if delay <= 0 {
		delay = DefaultDeleteDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{delay: delay, log: logger, tasks: make(map[*Task]struct{})}
}

// Schedule deletes m after the janitor's delay. After Close it returns a
// task that is already done and m is left alone.
func (j *Janitor) Schedule(m Message) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{cancel: cancel, done: make(chan struct{})}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		cancel()
		close(t.done)
		return t
	}
	j.tasks[t] = struct{}{}
	j.wg.Add(1)
	j.mu.Unlock()

	go j.run(ctx, t, m)
	return t
}

func (j *Janitor) run(ctx context.Context, t *Task, m Message) {
	defer func() {
		j.mu.Lock()
		delete(j.tasks, t)
		j.mu.Unlock()
		t.cancel()
		close(t.done)
		j.wg.Done()
	}()

	timer := time.NewTimer(j.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	dctx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()
	if err := m.Delete(dctx); err != nil {
		// usually already deleted by a user or moderator
		j.log.Debug("delete transient message", "error", err)
	}
}

// Pending returns the number of deletions not yet finished.
func (j *Janitor) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.tasks)
}

// Close cancels every outstanding deletion and waits for the tasks to end.
func (j *Janitor) Close() {
	j.mu.Lock()
	j.closed = true
	for t := range j.tasks {
		t.cancel()
	}
	j.mu.Unlock()
	j.wg.Wait()
}
