package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample holds one CPU/memory observation for a tracked process.
type Sample struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// Sampler periodically samples resource usage of the processes reported by
// a caller-supplied snapshot func, typically the running workers and hooks.
type Sampler struct {
	interval time.Duration

	cpu prometheus.GaugeVec
	mem prometheus.GaugeVec

	mu      sync.RWMutex
	latest  map[string]Sample
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sampler{
		interval: interval,
		cpu: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "scrawl",
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage of tracked subprocesses.",
		}, []string{"name"}),
		mem: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "scrawl",
			Subsystem: "process",
			Name:      "memory_mb",
			Help:      "Resident memory of tracked subprocesses in MB.",
		}, []string{"name"}),
		latest: make(map[string]Sample),
	}
}

// RegisterMetrics registers the sampler's gauges. Safe to call once per
// registerer.
func (s *Sampler) RegisterMetrics(r prometheus.Registerer) error {
	if err := r.Register(&s.cpu); err != nil {
		return err
	}
	return r.Register(&s.mem)
}

// Start begins the sample loop. getProcesses returns name -> pid for the
// processes to track; names that disappear have their series dropped.
func (s *Sampler) Start(ctx context.Context, getProcesses func() map[string]int32) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go func() {
		defer close(s.stopped)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.collect(getProcesses())
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (s *Sampler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.stopped
}

func (s *Sampler) collect(procs map[string]int32) {
	now := time.Now().UTC()
	seen := make(map[string]bool, len(procs))
	for name, pid := range procs {
		sm, err := sampleOne(name, pid, now)
		if err != nil {
			slog.Debug("process sample failed", "name", name, "pid", pid, "err", err)
			continue
		}
		seen[name] = true
		s.cpu.WithLabelValues(name).Set(sm.CPUPercent)
		s.mem.WithLabelValues(name).Set(sm.MemoryMB)
		s.mu.Lock()
		s.latest[name] = sm
		s.mu.Unlock()
	}
	s.mu.Lock()
	for name := range s.latest {
		if !seen[name] {
			delete(s.latest, name)
			s.cpu.DeleteLabelValues(name)
			s.mem.DeleteLabelValues(name)
		}
	}
	s.mu.Unlock()
}

func sampleOne(name string, pid int32, ts time.Time) (Sample, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return Sample{}, err
	}
	sm := Sample{PID: pid, Name: name, Timestamp: ts}
	if cpu, err := p.CPUPercent(); err == nil {
		sm.CPUPercent = cpu
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		sm.MemoryMB = float64(mi.RSS) / 1024 / 1024
	}
	if n, err := p.NumThreads(); err == nil {
		sm.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			sm.NumFDs = n
		}
	}
	return sm, nil
}

// Latest returns a copy of the most recent sample per tracked process.
func (s *Sampler) Latest() map[string]Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Sample, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}
