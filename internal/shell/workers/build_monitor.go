// Package workers contains background workers for hotswap.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Monitor warning kinds.
const (
	WarningVanished  = "process_vanished"
	WarningLowMemory = "low_memory"
)

// Prober answers whether the watched process is running.
type Prober interface {
	Running(ctx context.Context) (bool, error)
}

// MemorySampler returns the host's free memory in bytes.
type MemorySampler func() (uint64, error)

// WarningObserver is told about every warning the monitor raises.
type WarningObserver interface {
	ObserveMonitorWarning(kind string)
}

// BuildMonitorConfig configures the build monitor worker.
type BuildMonitorConfig struct {
	// Interval is the time between checks.
	// Default: 5 seconds.
	Interval time.Duration

	// MaxDuration is how long the monitor runs before stopping itself.
	// Default: 1 hour.
	MaxDuration time.Duration

	// LowMemory is the free-memory threshold below which a warning is logged.
	// Default: 1 GiB.
	LowMemory uint64
}

// DefaultBuildMonitorConfig returns the default configuration.
func DefaultBuildMonitorConfig() BuildMonitorConfig {
	return BuildMonitorConfig{
		Interval:    5 * time.Second,
		MaxDuration: time.Hour,
		LowMemory:   1 << 30,
	}
}

// BuildMonitor watches a long build for external interference. It is
// advisory only: it logs warnings and never affects the build or the
// pipeline outcome, even if it panics.
type BuildMonitor struct {
	process  string
	probe    Prober
	memory   MemorySampler
	observer WarningObserver
	config   BuildMonitorConfig
	logger   *slog.Logger

	mu       sync.Mutex
	seen     bool
	vanished bool
	lowMem   bool
	warnings []string

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBuildMonitor creates a monitor for the named build process. memory
// and observer may be nil.
func NewBuildMonitor(
	process string,
	probe Prober,
	memory MemorySampler,
	observer WarningObserver,
	config BuildMonitorConfig,
	logger *slog.Logger,
) *BuildMonitor {
	if config.Interval == 0 {
		config.Interval = 5 * time.Second
	}
	if config.MaxDuration == 0 {
		config.MaxDuration = time.Hour
	}
	if config.LowMemory == 0 {
		config.LowMemory = 1 << 30
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &BuildMonitor{
		process:  process,
		probe:    probe,
		memory:   memory,
		observer: observer,
		config:   config,
		logger:   logger.With("component", "build_monitor", "process", process),
	}
}

// Start begins watching in a background goroutine.
func (m *BuildMonitor) Start() {
	m.ctx, m.cancel = context.WithTimeout(context.Background(), m.config.MaxDuration)

	m.wg.Add(1)
	go m.run()

	m.logger.Info("build monitor started",
		"interval", m.config.Interval,
		"max_duration", m.config.MaxDuration,
	)
}

// Stop ends the watch and waits for the goroutine to exit.
func (m *BuildMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("build monitor stopped")
}

// Warnings returns the warnings raised so far.
func (m *BuildMonitor) Warnings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.warnings...)
}

// run is the main loop. A panic inside a check is logged and ends the
// monitor; it never propagates to the build.
func (m *BuildMonitor) run() {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("build monitor crashed", "panic", fmt.Sprint(r))
		}
	}()

	// Check immediately on start
	m.check()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// check performs a single observation.
func (m *BuildMonitor) check() {
	if m.probe != nil {
		ctx, cancel := context.WithTimeout(m.ctx, m.config.Interval)
		up, err := m.probe.Running(ctx)
		cancel()

		switch {
		case err != nil:
			if m.ctx.Err() == nil {
				m.logger.Debug("liveness check failed", "error", err)
			}
		case up:
			m.mu.Lock()
			m.seen = true
			m.mu.Unlock()
		default:
			m.mu.Lock()
			report := m.seen && !m.vanished
			if report {
				m.vanished = true
			}
			m.mu.Unlock()
			if report {
				m.warn(WarningVanished, "build process disappeared before the build command finished; possible external interference")
			}
		}
	}

	if m.memory != nil {
		free, err := m.memory()
		if err != nil {
			return
		}
		low := free < m.config.LowMemory

		m.mu.Lock()
		report := low && !m.lowMem
		m.lowMem = low
		m.mu.Unlock()

		if report {
			m.warn(WarningLowMemory, fmt.Sprintf("low memory: %d MiB free", free>>20))
		}
	}
}

func (m *BuildMonitor) warn(kind, message string) {
	m.logger.Warn(message, "warning", kind)

	m.mu.Lock()
	m.warnings = append(m.warnings, kind)
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.ObserveMonitorWarning(kind)
	}
}
