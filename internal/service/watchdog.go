package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/audiolibrelab/screenrec/internal/config"
	"github.com/audiolibrelab/screenrec/internal/engine"
)

const mb = 1 << 20

// FreeSpaceFunc reports the bytes available to an unprivileged writer at path.
type FreeSpaceFunc func(path string) (uint64, error)

// DiskFree reads free space with gopsutil.
func DiskFree(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// Watchdog stops a recording that runs too long or fills the disk.
type Watchdog struct {
	MaxDuration time.Duration // zero disables the time limit
	StopBelow   uint64
	WarnBelow   uint64
	Interval    time.Duration
	FreeSpace   FreeSpaceFunc

	warned bool
}

func NewWatchdog(l config.LimitsConfig, free FreeSpaceFunc) *Watchdog {
	if free == nil {
		free = DiskFree
	}
	return &Watchdog{
		MaxDuration: time.Duration(l.MaxDurationSeconds) * time.Second,
		StopBelow:   uint64(l.StopSpaceMB) * mb,
		WarnBelow:   uint64(l.LowSpaceWarnMB) * mb,
		Interval:    time.Duration(l.PollIntervalMs) * time.Millisecond,
		FreeSpace:   free,
	}
}

// Check evaluates one poll. The time limit wins over low space when both hit.
func (w *Watchdog) Check(elapsed time.Duration, dir string) (engine.StopReason, bool) {
	if w.MaxDuration > 0 && elapsed >= w.MaxDuration {
		return engine.StopTimeLimit, true
	}

	free, err := w.FreeSpace(dir)
	if err != nil {
		slog.Debug("Free space probe failed", "dir", dir, "error", err)
		return engine.StopNormal, false
	}
	if free < w.StopBelow {
		return engine.StopLowSpace, true
	}
	if free < w.WarnBelow && !w.warned {
		w.warned = true
		slog.Warn("Storage running low", "dir", dir, "free_mb", free/mb)
	}
	return engine.StopNormal, false
}

// Run polls until ctx is done or a limit is hit, in which case stop is called
// once with the reason.
func (w *Watchdog) Run(ctx context.Context, dir string, elapsed func() time.Duration, stop func(engine.StopReason)) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reason, hit := w.Check(elapsed(), dir); hit {
				slog.Info("Watchdog stopping recording", "reason", reason.String(), "dir", dir)
				stop(reason)
				return
			}
		}
	}
}
