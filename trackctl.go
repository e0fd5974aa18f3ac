// Package trackctl runs a single game server slot: it replaces the running
// server with a chosen track, records its PID and reports the join address.
package trackctl

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loykin/trackctl/internal/config"
	"github.com/loykin/trackctl/internal/history"
	"github.com/loykin/trackctl/internal/history/factory"
	"github.com/loykin/trackctl/internal/readiness"
	"github.com/loykin/trackctl/internal/supervisor"
	"github.com/loykin/trackctl/internal/track"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type SupervisorConfig = config.Supervisor

type StartResult = supervisor.StartResult

type StopResult = supervisor.StopResult

type StatusResult = supervisor.StatusResult

const (
	ReasonStopped    = supervisor.ReasonStopped
	ReasonNotRunning = supervisor.ReasonNotRunning
	ReasonNotFound   = supervisor.ReasonNotFound
	ReasonFailed     = supervisor.ReasonFailed
)

var (
	ErrUnknownTrack = supervisor.ErrUnknownTrack
	ErrLockTimeout  = supervisor.ErrLockTimeout
)

// LoadConfig resolves configuration from the environment and an optional file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// ListTracks lists the launchable tracks under c.ServerBase. It needs no PID file.
func ListTracks(c SupervisorConfig, logger *slog.Logger) []string {
	return catalog(c, logger).Names()
}

func catalog(c SupervisorConfig, logger *slog.Logger) *track.Catalog {
	return &track.Catalog{Base: c.ServerBase, Executable: c.Executable, Logger: logger}
}

// Supervisor is a thin facade over internal/supervisor that also owns the
// history sink built from configuration.
type Supervisor struct {
	inner *supervisor.Supervisor
	sink  history.Sink
}

// Open builds a Supervisor from c. actor is recorded in history events.
// A history sink that cannot be opened is logged and replaced by a no-op
// so history never blocks server control.
func Open(c SupervisorConfig, actor string, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sink history.Sink = history.Nop{}
	if c.HistoryDSN != "" {
		s, err := factory.NewSinkFromDSN(c.HistoryDSN)
		if err != nil {
			logger.Warn("History sink unavailable", "error", err)
		} else {
			sink = s
		}
	}
	inner, err := supervisor.New(supervisor.Options{
		Catalog:      catalog(c, logger),
		PIDFile:      c.PIDFile,
		LockFile:     c.LockFile,
		ReadyTimeout: c.ReadyTimeout,
		StopGrace:    c.StopGrace,
		LockTimeout:  c.LockTimeout,
		Matcher:      readiness.Matcher{Domain: c.JoinDomain},
		Sink:         sink,
		Actor:        actor,
		Logger:       logger,
	})
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	return &Supervisor{inner: inner, sink: sink}, nil
}

func (s *Supervisor) ListTracks() []string { return s.inner.ListTracks() }
func (s *Supervisor) Start(ctx context.Context, track string) (StartResult, error) {
	return s.inner.Start(ctx, track)
}
func (s *Supervisor) Stop(ctx context.Context) (StopResult, error)     { return s.inner.Stop(ctx) }
func (s *Supervisor) Status(ctx context.Context) (StatusResult, error) { return s.inner.Status(ctx) }

// Close releases the history sink.
func (s *Supervisor) Close() error {
	if s.sink == nil {
		return nil
	}
	return s.sink.Close()
}

// IsUnknownTrack reports whether err rejected a track name.
func IsUnknownTrack(err error) bool { return errors.Is(err, ErrUnknownTrack) }
