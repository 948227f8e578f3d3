// Package governor adapts fetch concurrency to live system pressure.
//
// A background loop samples CPU and disk utilization and publishes a target
// worker count in [MinWorkers, MaxWorkers]. The worker pool reads the target
// before each lease; changing it never preempts an in-flight dispatch.
package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"

	logx "fetchd/pkg/logx"
)

// ErrInvalidLimits is returned by UpdateLimits for out-of-range input.
var ErrInvalidLimits = errors.New("governor: invalid limits")

// scaleUpBelow is the pressure level under which the governor grows the
// target. Between scaleUpBelow and 1.0 the target holds steady.
const scaleUpBelow = 0.85

// Limits bound the governor's target and define what "pressure" means.
type Limits struct {
	MinWorkers    int
	MaxWorkers    int
	CPUThreshold  float64 // percent, (0,100]
	DiskThreshold float64 // percent, (0,100]
}

func (l Limits) validate() error {
	if l.MinWorkers < 1 || l.MaxWorkers < l.MinWorkers {
		return ErrInvalidLimits
	}
	if l.CPUThreshold <= 0 || l.CPUThreshold > 100 {
		return ErrInvalidLimits
	}
	if l.DiskThreshold <= 0 || l.DiskThreshold > 100 {
		return ErrInvalidLimits
	}
	return nil
}

// Sample is one observation of system utilization.
type Sample struct {
	CPUPercent  float64
	DiskPercent float64
}

// Sampler produces utilization samples. The default implementation reads
// host counters via gopsutil; tests substitute a canned source.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// HostSampler samples the local machine. DiskPath selects the filesystem
// whose usage counts (the download directory).
type HostSampler struct {
	DiskPath string
}

func (h HostSampler) Sample(ctx context.Context) (Sample, error) {
	// Non-blocking CPU read: gopsutil compares against the previous call's
	// counters, so the first sample may read 0.
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, err
	}
	var cpuPct float64
	if len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	du, err := disk.UsageWithContext(ctx, h.DiskPath)
	if err != nil {
		return Sample{}, err
	}
	return Sample{CPUPercent: cpuPct, DiskPercent: du.UsedPercent}, nil
}

// Governor publishes the current admission target for the worker pool.
type Governor struct {
	mu     sync.Mutex
	limits Limits

	target atomic.Int32

	interval time.Duration
	sampler  Sampler
	log      logx.Logger
}

func New(limits Limits, interval time.Duration, sampler Sampler, log logx.Logger) (*Governor, error) {
	if err := limits.validate(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Governor{
		limits:   limits,
		interval: interval,
		sampler:  sampler,
		log:      log,
	}
	g.target.Store(int32(limits.MinWorkers))
	return g, nil
}

// Target returns the current recommended number of concurrently active
// workers. Read frequently by worker loops; eventual consistency is fine.
func (g *Governor) Target() int {
	return int(g.target.Load())
}

// Limits returns the active limits.
func (g *Governor) Limits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits
}

// UpdateLimits swaps the limits after validation. Invalid input leaves all
// state untouched. The current target is clamped into the new range.
func (g *Governor) UpdateLimits(l Limits) error {
	if err := l.validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.limits = l
	g.mu.Unlock()

	g.target.Store(clamp(g.target.Load(), int32(l.MinWorkers), int32(l.MaxWorkers)))
	g.log.Info("governor.limits_updated",
		logx.Int("min", l.MinWorkers), logx.Int("max", l.MaxWorkers),
		logx.Float64("cpu_threshold", l.CPUThreshold), logx.Float64("disk_threshold", l.DiskThreshold))
	return nil
}

// Run samples until ctx is canceled. Sample failures are logged and skipped;
// the previous target stays in effect.
func (g *Governor) Run(ctx context.Context) {
	if g.sampler == nil {
		return
	}
	t := time.NewTicker(g.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		s, err := g.sampler.Sample(ctx)
		if err != nil {
			g.log.Warn("governor.sample_failed", logx.Err(err))
			continue
		}
		g.adjust(s)
	}
}

// adjust applies one sample: pressure is utilization relative to thresholds,
// >= 1.0 shrinks the target by one, < scaleUpBelow grows it by one.
func (g *Governor) adjust(s Sample) {
	g.mu.Lock()
	l := g.limits
	g.mu.Unlock()

	pressure := s.CPUPercent / l.CPUThreshold
	if d := s.DiskPercent / l.DiskThreshold; d > pressure {
		pressure = d
	}

	old := g.target.Load()
	target := old
	switch {
	case pressure >= 1.0 && target > int32(l.MinWorkers):
		target--
	case pressure < scaleUpBelow && target < int32(l.MaxWorkers):
		target++
	}
	target = clamp(target, int32(l.MinWorkers), int32(l.MaxWorkers))
	if target != old {
		g.target.Store(target)
		g.log.Debug("governor.target",
			logx.Int("from", int(old)), logx.Int("to", int(target)),
			logx.Float64("pressure", pressure),
			logx.Float64("cpu", s.CPUPercent), logx.Float64("disk", s.DiskPercent))
	}
}

func clamp(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
