// Package history records server lifecycle events to external stores
// (SQLite, PostgreSQL, ClickHouse) for auditing and statistics.
package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventReady   EventType = "ready"
	EventTimeout EventType = "timeout"
	EventStop    EventType = "stop"
	EventFailure EventType = "failure"
)

// Event is one lifecycle transition of the managed server.
type Event struct {
	Type        EventType `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	Track       string    `json:"track,omitempty"`
	PID         int       `json:"pid,omitempty"`
	JoinAddress string    `json:"join_address,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }
func (Nop) Close() error                      { return nil }

// sendTimeout bounds a single Emit so a slow store never delays a start or stop.
const sendTimeout = 3 * time.Second

// Emit delivers e to sink, filling OccurredAt if unset. Failures are logged
// and otherwise ignored; history is best effort.
func Emit(ctx context.Context, sink Sink, logger *slog.Logger, e Event) {
	if sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := sink.Send(ctx, e); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("history send failed", "type", string(e.Type), "track", e.Track, "error", err)
	}
}
