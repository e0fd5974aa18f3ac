package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ServerSample is one resource reading of the running game server.
type ServerSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig holds configuration for server resource sampling.
type SamplerConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ServerSampler periodically reads CPU and memory of the process named by
// a PID source and keeps a bounded history of readings.
type ServerSampler struct {
	interval time.Duration
	pidOf    func() int

	mu       sync.RWMutex
	ring     []ServerSample
	startIdx int
	count    int
	proc     *process.Process

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent  prometheus.Gauge
	memoryBytes prometheus.Gauge
	numThreads  prometheus.Gauge
}

// NewServerSampler returns a sampler reading the PID from pidOf before each
// sample. pidOf returns 0 when no server is recorded.
func NewServerSampler(cfg SamplerConfig, pidOf func() int) *ServerSampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 60
	}
	return &ServerSampler{
		interval: cfg.Interval,
		pidOf:    pidOf,
		ring:     make([]ServerSample, cfg.MaxHistory),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trackbot",
			Subsystem: "server",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the game server.",
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trackbot",
			Subsystem: "server",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the game server.",
		}),
		numThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trackbot",
			Subsystem: "server",
			Name:      "threads",
			Help:      "Thread count of the game server.",
		}),
	}
}

// RegisterMetrics registers the sampler gauges with r.
func (s *ServerSampler) RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpuPercent, s.memoryBytes, s.numThreads} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples every interval until ctx is done or Stop is called.
func (s *ServerSampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case now := <-ticker.C:
				if _, err := s.Sample(ctx, now); err != nil {
					slog.Debug("server sample failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to exit.
func (s *ServerSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sample takes one reading. With no server recorded the gauges are zeroed
// and the zero sample is returned without being stored.
func (s *ServerSampler) Sample(ctx context.Context, now time.Time) (ServerSample, error) {
	pid := int32(s.pidOf())
	if pid <= 0 {
		s.reset()
		return ServerSample{}, nil
	}

	s.mu.Lock()
	// CPUPercent measures since the previous call on the same handle
	if s.proc == nil || s.proc.Pid != pid {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			s.proc = nil
			s.mu.Unlock()
			s.reset()
			return ServerSample{}, fmt.Errorf("open process %d: %w", pid, err)
		}
		s.proc = p
	}
	proc := s.proc
	s.mu.Unlock()

	sample := ServerSample{PID: pid, Timestamp: now}
	if cpu, err := proc.PercentWithContext(ctx, 0); err == nil {
		sample.CPUPercent = cpu
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ServerSample{}, fmt.Errorf("memory info for %d: %w", pid, err)
	}
	sample.MemoryRSS = mem.RSS
	sample.MemoryVMS = mem.VMS
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		sample.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDsWithContext(ctx); err == nil {
			sample.NumFDs = n
		}
	}

	s.cpuPercent.Set(sample.CPUPercent)
	s.memoryBytes.Set(float64(sample.MemoryRSS))
	s.numThreads.Set(float64(sample.NumThreads))
	s.add(sample)
	return sample, nil
}

func (s *ServerSampler) reset() {
	s.cpuPercent.Set(0)
	s.memoryBytes.Set(0)
	s.numThreads.Set(0)
}

// add stores sample in the circular buffer, overwriting the oldest entry when full.
func (s *ServerSampler) add(sample ServerSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := len(s.ring)
	if s.count < size {
		s.ring[(s.startIdx+s.count)%size] = sample
		s.count++
		return
	}
	s.ring[s.startIdx] = sample
	s.startIdx = (s.startIdx + 1) % size
}

// History returns stored samples oldest first.
func (s *ServerSampler) History() []ServerSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServerSample, s.count)
	for i := 0; i < s.count; i++ {
		out[i] = s.ring[(s.startIdx+i)%len(s.ring)]
	}
	return out
}

// Latest returns the newest stored sample.
func (s *ServerSampler) Latest() (ServerSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return ServerSample{}, false
	}
	return s.ring[(s.startIdx+s.count-1)%len(s.ring)], true
}
