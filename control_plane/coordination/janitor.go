package coordination

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper drops expired entries and reports how many it removed.
type Sweeper interface {
	Sweep() int
}

// Janitor sweeps process-local caches (the in-memory idempotency store) on
// an interval. Unlike the collector it runs on every replica.
type Janitor struct {
	sweepers []Sweeper
	interval time.Duration
	logger   *slog.Logger
}

func NewJanitor(interval time.Duration, logger *slog.Logger, sweepers ...Sweeper) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		sweepers: sweepers,
		interval: interval,
		logger:   logger.With("component", "janitor"),
	}
}

func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() int {
	total := 0
	for _, s := range j.sweepers {
		total += s.Sweep()
	}
	if total > 0 {
		j.logger.Debug("swept expired entries", "removed", total)
	}
	return total
}
