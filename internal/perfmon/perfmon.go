// Package perfmon samples the process's own resource usage on an
// interval and exports it through logs and metrics, so capacity issues
// on small hosts show up before the audio pipeline starts dropping.
package perfmon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/jinwktk/reverb/perfmon"

// DefaultInterval is the sampling cadence when none is configured.
const DefaultInterval = 60 * time.Second

// warnCPUPercent is the level above which a sample is logged at warning
// rather than debug.
const warnCPUPercent = 80.0

// Snapshot is one resource usage reading.
type Snapshot struct {
	CPUPercent float64
	RSSBytes   uint64
	Goroutines int
}

// Sampler reads the process's CPU, memory and goroutine footprint.
type Sampler struct {
	probe func() (Snapshot, error)

	cpu        metric.Float64Gauge
	rss        metric.Int64Gauge
	goroutines metric.Int64Gauge
}

// Option configures a [Sampler].
type Option func(*Sampler)

// WithProbe overrides the reading source for tests.
func WithProbe(probe func() (Snapshot, error)) Option {
	return func(s *Sampler) { s.probe = probe }
}

// New creates a sampler registering its gauges on the given provider.
func New(mp metric.MeterProvider, opts ...Option) (*Sampler, error) {
	meter := mp.Meter(meterName)

	cpu, err := meter.Float64Gauge("reverb.process.cpu.percent",
		metric.WithDescription("Process CPU usage percentage"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return nil, fmt.Errorf("perfmon: create cpu gauge: %w", err)
	}
	rss, err := meter.Int64Gauge("reverb.process.memory.rss",
		metric.WithDescription("Process resident set size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("perfmon: create rss gauge: %w", err)
	}
	goroutines, err := meter.Int64Gauge("reverb.process.goroutines",
		metric.WithDescription("Number of live goroutines"),
		metric.WithUnit("{goroutine}"),
	)
	if err != nil {
		return nil, fmt.Errorf("perfmon: create goroutine gauge: %w", err)
	}

	s := &Sampler{cpu: cpu, rss: rss, goroutines: goroutines}
	for _, opt := range opts {
		opt(s)
	}
	if s.probe == nil {
		probe, err := selfProbe()
		if err != nil {
			return nil, err
		}
		s.probe = probe
	}
	return s, nil
}

// Sample takes one reading, records it to the gauges, and logs it.
func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	snap, err := s.probe()
	if err != nil {
		return Snapshot{}, fmt.Errorf("perfmon: sample: %w", err)
	}

	s.cpu.Record(ctx, snap.CPUPercent)
	s.rss.Record(ctx, int64(snap.RSSBytes))
	s.goroutines.Record(ctx, int64(snap.Goroutines))

	level := slog.LevelDebug
	if snap.CPUPercent >= warnCPUPercent {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "resource usage",
		"cpu_percent", snap.CPUPercent,
		"rss_mib", snap.RSSBytes/(1<<20),
		"goroutines", snap.Goroutines,
	)
	return snap, nil
}

// Run samples every interval until ctx is cancelled. Probe failures are
// logged and retried on the next tick.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sample(ctx); err != nil {
				slog.Warn("resource sample failed", "error", err)
			}
		}
	}
}

// selfProbe returns a probe reading the current process via gopsutil.
func selfProbe() (func() (Snapshot, error), error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("perfmon: open own process: %w", err)
	}
	return func() (Snapshot, error) {
		cpu, err := proc.CPUPercent()
		if err != nil {
			return Snapshot{}, err
		}
		mem, err := proc.MemoryInfo()
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{
			CPUPercent: cpu,
			RSSBytes:   mem.RSS,
			Goroutines: runtime.NumGoroutine(),
		}, nil
	}, nil
}
