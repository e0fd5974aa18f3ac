package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trackbot",
			Name:      "commands_total",
			Help:      "Chat commands handled, by command and outcome.",
		}, []string{"command", "outcome"},
	)
	controllerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trackbot",
			Subsystem: "controller",
			Name:      "call_duration_seconds",
			Help:      "Wall time of supervisor invocations.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		}, []string{"op"},
	)
	controllerTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trackbot",
			Subsystem: "controller",
			Name:      "timeouts_total",
			Help:      "Supervisor invocations abandoned at their call timeout.",
		}, []string{"op"},
	)
	serverRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trackbot",
			Name:      "server_running",
			Help:      "1 while the displayed state shows a server, 0 otherwise.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{commands, controllerCallDuration, controllerTimeouts, serverRunning}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncCommand(command, outcome string) {
	if regOK.Load() {
		commands.WithLabelValues(command, outcome).Inc()
	}
}

func ObserveControllerCall(op string, d time.Duration, timedOut bool) {
	if !regOK.Load() {
		return
	}
	controllerCallDuration.WithLabelValues(op).Observe(d.Seconds())
	if timedOut {
		controllerTimeouts.WithLabelValues(op).Inc()
	}
}

func SetServerRunning(running bool) {
	if regOK.Load() {
		var v float64
		if running {
			v = 1
		}
		serverRunning.Set(v)
	}
}
