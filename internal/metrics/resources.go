package metrics

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Target identifies a registered child to sample.
type Target struct {
	PID int
	Cmd string
}

// Sample is one resource reading for a child.
type Sample struct {
	PID        int
	Cmd        string
	CPUPercent float64
	RSSBytes   uint64
	NumThreads int32
	NumFDs     int32
}

// ResourceCollector periodically samples CPU and memory of the registered
// running children via gopsutil and exports them as gauges labelled by pid.
type ResourceCollector struct {
	interval time.Duration
	targets  func(ctx context.Context) ([]Target, error)
	logger   *slog.Logger

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	fds     *prometheus.GaugeVec

	mu    sync.Mutex
	procs map[int]*process.Process
	seen  map[int]string // pid -> cmd currently exported

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewResourceCollector creates a collector; targets is called on every tick.
func NewResourceCollector(interval time.Duration, targets func(ctx context.Context) ([]Target, error), logger *slog.Logger) *ResourceCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	labels := []string{"pid", "cmd"}
	return &ResourceCollector{
		interval: interval,
		targets:  targets,
		logger:   logger,
		procs:    make(map[int]*process.Process),
		seen:     make(map[int]string),
		stopCh:   make(chan struct{}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "child", Name: "cpu_percent",
			Help: "CPU usage percentage of registered children.",
		}, labels),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "child", Name: "rss_bytes",
			Help: "Resident memory of registered children.",
		}, labels),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "child", Name: "threads",
			Help: "Number of threads of registered children.",
		}, labels),
		fds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "child", Name: "open_fds",
			Help: "Number of open file descriptors of registered children.",
		}, labels),
	}
}

// Register adds the collector's gauges to r.
func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpu, c.rss, c.threads, c.fds} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				ts, err := c.targets(ctx)
				if err != nil {
					c.logger.Debug("resource targets", "error", err)
					continue
				}
				c.Collect(ts)
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit.
func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples every target once and drops gauges of pids that went away.
func (c *ResourceCollector) Collect(targets []Target) []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := make(map[int]bool, len(targets))
	var out []Sample
	for _, t := range targets {
		if t.PID <= 0 {
			continue
		}
		s, err := c.sample(t)
		if err != nil {
			c.logger.Debug("sample child", "pid", t.PID, "error", err)
			continue
		}
		live[t.PID] = true
		out = append(out, s)

		pid := strconv.Itoa(t.PID)
		c.cpu.WithLabelValues(pid, t.Cmd).Set(s.CPUPercent)
		c.rss.WithLabelValues(pid, t.Cmd).Set(float64(s.RSSBytes))
		c.threads.WithLabelValues(pid, t.Cmd).Set(float64(s.NumThreads))
		c.fds.WithLabelValues(pid, t.Cmd).Set(float64(s.NumFDs))
		c.seen[t.PID] = t.Cmd
	}

	for pid, cmd := range c.seen {
		if live[pid] {
			continue
		}
		p := strconv.Itoa(pid)
		c.cpu.DeleteLabelValues(p, cmd)
		c.rss.DeleteLabelValues(p, cmd)
		c.threads.DeleteLabelValues(p, cmd)
		c.fds.DeleteLabelValues(p, cmd)
		delete(c.seen, pid)
		delete(c.procs, pid)
	}
	return out
}

func (c *ResourceCollector) sample(t Target) (Sample, error) {
	// Handles are cached so CPUPercent measures the delta since the last tick.
	proc, ok := c.procs[t.PID]
	if !ok {
		p, err := process.NewProcess(int32(t.PID)) // #nosec G115 pids fit in int32
		if err != nil {
			return Sample{}, err
		}
		proc = p
		c.procs[t.PID] = p
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		delete(c.procs, t.PID)
		return Sample{}, err
	}
	s := Sample{PID: t.PID, Cmd: t.Cmd, RSSBytes: mem.RSS}
	if cpu, err := proc.Percent(0); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if n, err := proc.NumFDs(); err == nil {
		s.NumFDs = n
	}
	return s, nil
}
