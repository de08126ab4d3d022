package ffmpeg

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrInsufficientResources is returned when the host is too busy to launch
// another transcoder.
var ErrInsufficientResources = errors.New("insufficient system resources")

// ResourceGuard refuses launches when the host lacks idle CPU, free memory
// or free disk in Dir. Zero thresholds disable the corresponding check.
type ResourceGuard struct {
	IdleCPU  float64 // percent of CPU that must be idle
	FreeMem  int64
	FreeDisk int64
	Dir      string
	Sample   time.Duration // CPU sampling window, defaults to one second
	Logger   zerolog.Logger
}

// Usage is a point-in-time view of host resources.
type Usage struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemAvailable  uint64  `json:"memAvailable"`
	DiskFree      uint64  `json:"diskFree"`
	DiskFreeError string  `json:"diskFreeError,omitempty"`
}

// Check verifies that the system has enough free resources to start a new
// transcoder. Sampling failures are logged and do not block the launch.
func (g *ResourceGuard) Check() error {
	sample := g.Sample
	if sample <= 0 {
		sample = time.Second
	}

	if g.IdleCPU > 0 {
		p, err := cpu.Percent(sample, false)
		if err != nil {
			g.Logger.Warn().Err(err).Msg("could not get CPU usage")
		} else if len(p) > 0 && p[0] > (100.0-g.IdleCPU) {
			return fmt.Errorf("%w: not enough idle CPU, usage %.2f%%, idle threshold %.2f%%",
				ErrInsufficientResources, p[0], g.IdleCPU)
		}
	}

	if g.FreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			g.Logger.Warn().Err(err).Msg("could not get memory usage")
		} else if vm.Available < uint64(g.FreeMem) {
			return fmt.Errorf("%w: not enough free memory, available %d, required %d",
				ErrInsufficientResources, vm.Available, g.FreeMem)
		}
	}

	if g.FreeDisk > 0 && g.Dir != "" {
		d, err := disk.Usage(g.Dir)
		if err != nil {
			g.Logger.Warn().Err(err).Str("dir", g.Dir).Msg("could not get disk usage")
		} else if d.Free < uint64(g.FreeDisk) {
			return fmt.Errorf("%w: not enough free disk space, available %d, required %d",
				ErrInsufficientResources, d.Free, g.FreeDisk)
		}
	}
	return nil
}

// CurrentUsage reports host usage without judging it. The CPU figure is
// averaged since the previous call.
func CurrentUsage(dir string) (Usage, error) {
	var u Usage

	p, err := cpu.Percent(0, false)
	if err != nil {
		return u, fmt.Errorf("cpu usage: %w", err)
	}
	if len(p) > 0 {
		u.CPUPercent = p[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return u, fmt.Errorf("memory usage: %w", err)
	}
	u.MemAvailable = vm.Available

	if dir != "" {
		if d, err := disk.Usage(dir); err != nil {
			u.DiskFreeError = err.Error()
		} else {
			u.DiskFree = d.Free
		}
	}
	return u, nil
}
